// Package atom parses loosely written package identifiers into their
// category, name, slot and repository parts.
//
// Accepted forms are "name", "category/name", "name:slot" and
// "category/name:slot". The repository can never be embedded in the name;
// it is only taken from Overrides.
package atom

import (
	"strings"
	"unicode"
)

const (
	categoryBoundary   = "/"
	slotBoundary       = ":"
	repositoryBoundary = "::"
)

// Overrides carries the explicitly declared category, slot and repository of
// a resource. Empty fields are treated as absent.
type Overrides struct {
	Category   string
	Slot       string
	Repository string
}

// Identifier is a parsed package identifier. The zero value is not valid;
// build one with Parse or New.
type Identifier struct {
	name       string
	category   string
	slot       string
	repository string
}

// New builds an identifier from already validated parts.
func New(category, name, slot, repository string) Identifier {
	return Identifier{name: name, category: category, slot: slot, repository: repository}
}

// Parse validates raw and merges it with overrides. The embedded slot is
// split off before the category, so "category/name:slot" composes.
func Parse(raw string, overrides Overrides) (Identifier, error) {
	if err := validate(raw); err != nil {
		return Identifier{}, &ParseError{Name: raw, Err: err}
	}

	rest := raw
	var embeddedSlot, embeddedCategory string
	if i := strings.Index(rest, slotBoundary); i >= 0 {
		embeddedSlot = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.Index(rest, categoryBoundary); i >= 0 {
		embeddedCategory = rest[:i]
		rest = rest[i+1:]
	}

	id := Identifier{
		name:       rest,
		category:   embeddedCategory,
		slot:       embeddedSlot,
		repository: overrides.Repository,
	}

	if overrides.Category != "" {
		if embeddedCategory != "" && embeddedCategory != overrides.Category {
			return Identifier{}, &DisagreementError{
				Name: raw, Field: "category", Embedded: embeddedCategory, Declared: overrides.Category,
				Err: ErrCategoryDisagreement,
			}
		}
		id.category = overrides.Category
	}

	if overrides.Slot != "" {
		if embeddedSlot != "" && embeddedSlot != overrides.Slot {
			return Identifier{}, &DisagreementError{
				Name: raw, Field: "slot", Embedded: embeddedSlot, Declared: overrides.Slot,
				Err: ErrSlotDisagreement,
			}
		}
		id.slot = overrides.Slot
	}

	return id, nil
}

func validate(raw string) error {
	switch {
	case raw == "":
		return ErrEmptyName
	case strings.IndexFunc(raw, unicode.IsSpace) >= 0:
		return ErrWhitespaceInName
	case strings.HasSuffix(raw, categoryBoundary):
		return ErrTrailingCategoryBoundary
	case strings.HasPrefix(raw, categoryBoundary):
		return ErrLeadingCategoryBoundary
	case strings.Count(raw, categoryBoundary) > 1:
		return ErrMultipleCategoryBoundaries
	case strings.HasSuffix(raw, slotBoundary):
		return ErrTrailingSlotBoundary
	case strings.HasPrefix(raw, slotBoundary):
		return ErrLeadingSlotBoundary
	case strings.Contains(raw, repositoryBoundary):
		return ErrEmbeddedRepository
	case strings.Count(raw, slotBoundary) > 1:
		return ErrMultipleSlotBoundaries
	}
	return nil
}

// Name returns the bare package name.
func (id Identifier) Name() string { return id.name }

// Category returns the category and whether one was given.
func (id Identifier) Category() (string, bool) { return id.category, id.category != "" }

// Slot returns the slot and whether one was given.
func (id Identifier) Slot() (string, bool) { return id.slot, id.slot != "" }

// Repository returns the repository and whether one was given.
func (id Identifier) Repository() (string, bool) { return id.repository, id.repository != "" }

// WithSlot returns a copy of id pinned to slot.
func (id Identifier) WithSlot(slot string) Identifier {
	id.slot = slot
	return id
}

// WithRepository returns a copy of id pinned to repository.
func (id Identifier) WithRepository(repository string) Identifier {
	id.repository = repository
	return id
}

// Qualified returns "category/name", or just the name when no category is known.
func (id Identifier) Qualified() string {
	if id.category == "" {
		return id.name
	}
	return id.category + categoryBoundary + id.name
}

// String returns the canonical form category/name:slot::repository with
// absent parts omitted. This is the argument handed to emerge.
func (id Identifier) String() string {
	var b strings.Builder
	b.WriteString(id.Qualified())
	if id.slot != "" {
		b.WriteString(slotBoundary)
		b.WriteString(id.slot)
	}
	if id.repository != "" {
		b.WriteString(repositoryBoundary)
		b.WriteString(id.repository)
	}
	return b.String()
}

// Exact returns the exact-version form =category/name-version[::repository].
// A pinned version implies its slot, so the slot is never written.
func (id Identifier) Exact(version string) string {
	s := "=" + id.Qualified() + "-" + version
	if id.repository != "" {
		s += repositoryBoundary + id.repository
	}
	return s
}
