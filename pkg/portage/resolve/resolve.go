// Package resolve reduces the versions found for a package identifier to a
// single candidate, rejecting definitions that match more than one category
// or slot.
//
// Reduction always runs category first, then slot, then repository. The
// same package name in unrelated categories is the most likely mistake, slot
// ambiguity has a sane default, and repository ambiguity is rare.
package resolve

import (
	"strings"
	"time"

	"github.com/openfroyo/portagegt/pkg/portage/atom"
)

// Defaults holds the conventional fallback identifiers.
type Defaults struct {
	// Slot is preferred when several slots match and none was requested.
	Slot string

	// Repository is assumed for versions that do not name one.
	Repository string
}

// StandardDefaults are the Gentoo conventions.
var StandardDefaults = Defaults{Slot: "0", Repository: "gentoo"}

// CandidateVersion is one available or installed version of a package.
type CandidateVersion struct {
	Category      string    `json:"category" yaml:"category"`
	Name          string    `json:"name" yaml:"name"`
	Version       string    `json:"version" yaml:"version"`
	Slot          string    `json:"slot" yaml:"slot"`
	Repository    string    `json:"repository" yaml:"repository"`
	Installed     bool      `json:"installed" yaml:"installed"`
	HardMasked    bool      `json:"hard_masked,omitempty" yaml:"hard_masked,omitempty"`
	KeywordMasked bool      `json:"keyword_masked,omitempty" yaml:"keyword_masked,omitempty"`
	IUSE          []string  `json:"iuse,omitempty" yaml:"iuse,omitempty"`
	USE           []string  `json:"use,omitempty" yaml:"use,omitempty"`
	BuildTime     time.Time `json:"build_time,omitempty" yaml:"build_time,omitempty"`
}

// Masked reports whether the version needs an override to be selected.
func (c CandidateVersion) Masked() bool {
	return c.HardMasked || c.KeywordMasked
}

// StripSubslot drops the "/subslot" suffix of a slot.
func StripSubslot(slot string) string {
	if i := strings.Index(slot, "/"); i >= 0 {
		return slot[:i]
	}
	return slot
}

// SlotGroup maps slot names to one candidate each, remembering the order in
// which slots were first seen.
type SlotGroup struct {
	order  []string
	bySlot map[string]CandidateVersion
}

// NewSlotGroup returns an empty group.
func NewSlotGroup() *SlotGroup {
	return &SlotGroup{bySlot: make(map[string]CandidateVersion)}
}

// Reserve registers slot without a candidate, so it counts towards
// ambiguity even if no version of it qualifies.
func (g *SlotGroup) Reserve(slot string) {
	if _, ok := g.bySlot[slot]; ok {
		return
	}
	for _, s := range g.order {
		if s == slot {
			return
		}
	}
	g.order = append(g.order, slot)
}

// Put stores c under its slot, replacing any earlier candidate.
func (g *SlotGroup) Put(c CandidateVersion) {
	slot := StripSubslot(c.Slot)
	g.Reserve(slot)
	g.bySlot[slot] = c
}

// Get returns the candidate for slot.
func (g *SlotGroup) Get(slot string) (CandidateVersion, bool) {
	c, ok := g.bySlot[slot]
	return c, ok
}

// Slots returns every registered slot in first-seen order.
func (g *SlotGroup) Slots() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of registered slots.
func (g *SlotGroup) Len() int {
	return len(g.order)
}

// Resolve picks the single candidate matching id.
func Resolve(id atom.Identifier, candidates []CandidateVersion, d Defaults) (CandidateVersion, error) {
	subject := id.Qualified()

	var named []CandidateVersion
	for _, c := range candidates {
		if c.Name == id.Name() {
			named = append(named, c)
		}
	}

	named, err := filterCategory(id, named)
	if err != nil {
		return CandidateVersion{}, err
	}
	if len(named) == 0 {
		return CandidateVersion{}, notFound(id, "", "")
	}

	group := NewSlotGroup()
	for _, c := range named {
		group.Reserve(StripSubslot(c.Slot))
	}
	slot, err := PickSlot(subject, id, group, d)
	if err != nil {
		return CandidateVersion{}, err
	}

	var chosen *CandidateVersion
	repo, hasRepo := id.Repository()
	for i := range named {
		c := named[i]
		if StripSubslot(c.Slot) != slot {
			continue
		}
		if hasRepo && repositoryOf(c, d) != repo {
			continue
		}
		chosen = &named[i]
	}
	if chosen == nil {
		return CandidateVersion{}, notFound(id, KindRepository, repo)
	}
	return *chosen, nil
}

// Categories returns the distinct categories of candidates in first-seen order.
func Categories(candidates []CandidateVersion) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, c := range candidates {
		if _, ok := seen[c.Category]; ok {
			continue
		}
		seen[c.Category] = struct{}{}
		out = append(out, c.Category)
	}
	return out
}

// PickSlot chooses one slot of group for id. An explicit slot must exist in
// the group. Otherwise a lone slot wins, then the default slot.
func PickSlot(subject string, id atom.Identifier, group *SlotGroup, d Defaults) (string, error) {
	if want, ok := id.Slot(); ok {
		want = StripSubslot(want)
		for _, s := range group.Slots() {
			if s == want {
				return s, nil
			}
		}
		return "", notFound(id, KindSlot, want)
	}

	slots := group.Slots()
	switch len(slots) {
	case 0:
		return "", notFound(id, "", "")
	case 1:
		return slots[0], nil
	}
	for _, s := range slots {
		if s == d.Slot {
			return s, nil
		}
	}
	return "", &AmbiguityError{Kind: KindSlot, Subject: subject, Options: slots}
}

func filterCategory(id atom.Identifier, candidates []CandidateVersion) ([]CandidateVersion, error) {
	if category, ok := id.Category(); ok {
		var out []CandidateVersion
		for _, c := range candidates {
			if c.Category == category {
				out = append(out, c)
			}
		}
		return out, nil
	}

	if cats := Categories(candidates); len(cats) > 1 {
		return nil, &AmbiguityError{Kind: KindCategory, Subject: id.Qualified(), Options: cats}
	}
	return candidates, nil
}

func repositoryOf(c CandidateVersion, d Defaults) string {
	if c.Repository == "" {
		return d.Repository
	}
	return c.Repository
}

func notFound(id atom.Identifier, kind Kind, value string) *NotFoundError {
	e := &NotFoundError{Subject: id.Name()}
	if category, ok := id.Category(); ok {
		e.Category = category
	}
	if kind != "" && value != "" {
		e.Constraint = kind
		e.Value = value
	}
	return e
}
