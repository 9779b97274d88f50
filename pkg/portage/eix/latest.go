package eix

import (
	"github.com/openfroyo/portagegt/pkg/portage/atom"
	"github.com/openfroyo/portagegt/pkg/portage/resolve"
)

// Policy controls candidate selection.
type Policy struct {
	resolve.Defaults

	// DevVersion is the live ebuild version that is never proposed unless
	// it is already installed.
	DevVersion string
}

// StandardPolicy uses the Gentoo conventions.
var StandardPolicy = Policy{Defaults: resolve.StandardDefaults, DevVersion: "9999"}

// Latest returns the newest version of id that could be installed.
//
// Versions are visited in document order, which eix sorts ascending. For
// each slot the last qualifying version wins. An installed version always
// qualifies, so the result never proposes a downgrade; the live version is
// skipped unless installed; anything else must be free of masks.
func Latest(id atom.Identifier, doc *Document, policy Policy) (resolve.CandidateVersion, error) {
	wantSlot, hasSlot := id.Slot()
	wantSlot = resolve.StripSubslot(wantSlot)
	wantRepo, hasRepo := id.Repository()
	wantCategory, hasCategory := id.Category()

	var matched []resolve.CandidateVersion
	group := resolve.NewSlotGroup()

	for _, c := range doc.Candidates(policy.Defaults) {
		if c.Name != id.Name() {
			continue
		}
		if hasCategory && c.Category != wantCategory {
			continue
		}
		if hasSlot && c.Slot != wantSlot {
			continue
		}
		if hasRepo && c.Repository != wantRepo {
			continue
		}
		matched = append(matched, c)

		switch {
		case c.Installed:
			group.Put(c)
		case c.Version == policy.DevVersion:
		case !c.Masked():
			group.Put(c)
		}
	}

	categories := resolve.Categories(matched)
	switch len(categories) {
	case 0:
		return resolve.CandidateVersion{}, notFound(id, "", "")
	case 1:
	default:
		return resolve.CandidateVersion{}, &resolve.AmbiguityError{
			Kind: resolve.KindCategory, Subject: id.Qualified(), Options: categories,
		}
	}

	if group.Len() == 0 {
		if hasSlot {
			return resolve.CandidateVersion{}, notFound(id, resolve.KindSlot, wantSlot)
		}
		return resolve.CandidateVersion{}, notFound(id, "", "")
	}

	slot, err := resolve.PickSlot(id.Qualified(), id, group, policy.Defaults)
	if err != nil {
		return resolve.CandidateVersion{}, err
	}
	c, _ := group.Get(slot)
	return c, nil
}

func notFound(id atom.Identifier, kind resolve.Kind, value string) *resolve.NotFoundError {
	e := &resolve.NotFoundError{Subject: id.Name(), Constraint: kind, Value: value}
	if category, ok := id.Category(); ok {
		e.Category = category
	}
	return e
}
