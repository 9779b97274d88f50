// Package flagfile keeps /etc/portage/package.use and package.keywords in
// line with the declared packages. Each flagged package owns one file,
// <dir>/<category>/<name>[:slot], holding a single atom line; everything
// else below the directory is removed.
package flagfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/portagegt/pkg/config"
	"github.com/openfroyo/portagegt/pkg/portage/flags"
)

// Kind selects a flag file tree.
type Kind int

const (
	KindUse Kind = iota
	KindKeywords
)

type kindInfo struct {
	name  string
	dir   func(config.Portage) string
	flags func(Entry) []string
}

var kinds = map[Kind]kindInfo{
	KindUse: {
		name:  "package_use",
		dir:   func(p config.Portage) string { return p.UseDir },
		flags: func(e Entry) []string { return e.Use },
	},
	KindKeywords: {
		name:  "package_keywords",
		dir:   func(p config.Portage) string { return p.KeywordsDir },
		flags: func(e Entry) []string { return e.Keywords },
	},
}

// Kinds lists every kind in sync order.
var Kinds = []Kind{KindUse, KindKeywords}

func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Dir returns the directory of k in p.
func (k Kind) Dir(p config.Portage) string {
	return kinds[k].dir(p)
}

// Entry is the flag state one package resource wants.
type Entry struct {
	// Title names the resource in warnings.
	Title string

	Category string
	Name     string
	Slot     string

	Use      []string
	Keywords []string
}

// Flags returns the normalized flags of e for kind k.
func (e Entry) Flags(k Kind) []string {
	return flags.TokenizeList(kinds[k].flags(e))
}

// Recorder receives one call per file change. *telemetry.Metrics
// implements it.
type Recorder interface {
	RecordFlagFile(kind, action string)
}

// Actions reported to the Recorder and in Report.
const (
	ActionWrite  = "write"
	ActionRemove = "remove"
)

// Change is one modification made by Sync.
type Change struct {
	Action string `json:"action"`
	Path   string `json:"path"`
}

// Report lists what Sync changed.
type Report struct {
	Kind    string   `json:"kind"`
	Changes []Change `json:"changes,omitempty"`
}

// Syncer rewrites flag file trees.
type Syncer struct {
	// DefaultSlot is left out of file names and atom lines.
	DefaultSlot string

	Logger   zerolog.Logger
	Recorder Recorder
}

// Sync makes dir hold exactly one file per flagged entry. Entries without
// a category cannot be written; if they carry flags a warning is logged.
func (s *Syncer) Sync(dir string, kind Kind, entries []Entry) (*Report, error) {
	report := &Report{Kind: kind.String()}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return report, fmt.Errorf("%s: %w", kind, err)
	}
	oldCats, err := listNames(dir)
	if err != nil {
		return report, fmt.Errorf("%s: %w", kind, err)
	}

	newEntries := make(map[string]map[string]bool)

	for _, e := range entries {
		optFlags := e.Flags(kind)

		if e.Category == "" {
			if len(optFlags) > 0 {
				s.Logger.Warn().
					Str("package", e.Title).
					Str("kind", kind.String()).
					Msgf("Cannot apply %s for Package[%s] without a category", kind, e.Title)
			}
			continue
		}

		optName := e.Name
		atomLine := e.Category + "/" + e.Name
		if e.Slot != "" && e.Slot != s.DefaultSlot {
			optName += ":" + e.Slot
			atomLine += ":" + e.Slot
		}
		catDir := filepath.Join(dir, e.Category)
		optFile := filepath.Join(catDir, optName)

		if len(optFlags) == 0 {
			if isRegular(optFile) {
				if err := s.remove(report, kind, optFile); err != nil {
					return report, err
				}
			}
			continue
		}

		if newEntries[e.Category] == nil {
			newEntries[e.Category] = make(map[string]bool)
		}
		newEntries[e.Category][optName] = true

		if err := ensureDir(catDir); err != nil {
			return report, fmt.Errorf("%s: %w", kind, err)
		}

		content := []byte(atomLine + " " + strings.Join(optFlags, " ") + "\n")
		if current, err := os.ReadFile(optFile); err == nil && bytes.Equal(current, content) {
			continue
		}

		s.Logger.Debug().Str("kind", kind.String()).Str("path", optFile).Msg("Writing flag file")
		if err := os.WriteFile(optFile, content, 0o644); err != nil {
			return report, fmt.Errorf("%s: failed to write %s: %w", kind, optFile, err)
		}
		s.record(report, kind, ActionWrite, optFile)
	}

	for _, cat := range oldCats {
		if _, keep := newEntries[cat]; keep {
			continue
		}
		if err := s.remove(report, kind, filepath.Join(dir, cat)); err != nil {
			return report, err
		}
	}

	cats := make([]string, 0, len(newEntries))
	for cat := range newEntries {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	for _, cat := range cats {
		names, err := listNames(filepath.Join(dir, cat))
		if err != nil {
			return report, fmt.Errorf("%s: %w", kind, err)
		}
		for _, name := range names {
			if newEntries[cat][name] {
				continue
			}
			if err := s.remove(report, kind, filepath.Join(dir, cat, name)); err != nil {
				return report, err
			}
		}
	}

	return report, nil
}

func (s *Syncer) remove(report *Report, kind Kind, path string) error {
	s.Logger.Debug().Str("kind", kind.String()).Str("path", path).Msg("Removing flag file entry")
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("%s: failed to remove %s: %w", kind, path, err)
	}
	s.record(report, kind, ActionRemove, path)
	return nil
}

func (s *Syncer) record(report *Report, kind Kind, action, path string) {
	report.Changes = append(report.Changes, Change{Action: action, Path: path})
	if s.Recorder != nil {
		s.Recorder.RecordFlagFile(kind.String(), action)
	}
}

// ensureDir creates dir, replacing a regular file standing in its place.
func ensureDir(dir string) error {
	info, err := os.Lstat(dir)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil && info.Mode().IsRegular():
		if err := os.Remove(dir); err != nil {
			return err
		}
	case err == nil:
		return fmt.Errorf("unexpected file type: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	return os.Mkdir(dir, 0o755)
}

func isRegular(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode().IsRegular()
}

func listNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}
