package flagfile

import (
	"context"
	"fmt"

	"github.com/openfroyo/portagegt/pkg/config"
)

// Indexer refreshes the eix index. *eix.Client implements it.
type Indexer interface {
	Update(ctx context.Context) error
	Sync(ctx context.Context) error
}

// Prefetcher runs the batch step executed once before a set of package
// resources is reconciled.
type Prefetcher struct {
	Portage config.Portage
	Index   Indexer
	Syncer  *Syncer
}

// RefreshIndex syncs or updates the eix index as configured.
func (p *Prefetcher) RefreshIndex(ctx context.Context) error {
	if !p.Portage.EixRunUpdate {
		if p.Portage.EixRunSync {
			return config.ErrSyncWithoutUpdate
		}
		return nil
	}

	if p.Portage.EixRunSync {
		if err := p.Index.Sync(ctx); err != nil {
			return fmt.Errorf("eix sync: %w", err)
		}
		return nil
	}
	if err := p.Index.Update(ctx); err != nil {
		return fmt.Errorf("eix update: %w", err)
	}
	return nil
}

// Prefetch refreshes the index and then rewrites package.use and
// package.keywords for entries.
func (p *Prefetcher) Prefetch(ctx context.Context, entries []Entry) ([]*Report, error) {
	if err := p.RefreshIndex(ctx); err != nil {
		return nil, err
	}

	reports := make([]*Report, 0, len(Kinds))
	for _, kind := range Kinds {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := p.Syncer.Sync(kind.Dir(p.Portage), kind, entries)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}
