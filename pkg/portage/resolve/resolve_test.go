package resolve

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/portagegt/pkg/portage/atom"
)

func mustParse(t *testing.T, raw string, o atom.Overrides) atom.Identifier {
	t.Helper()
	id, err := atom.Parse(raw, o)
	if err != nil {
		t.Fatalf("Failed to parse %q: %v", raw, err)
	}
	return id
}

var (
	mysqlDB      = CandidateVersion{Category: "dev-db", Name: "mysql", Version: "5.5.32", Slot: "0", Repository: "gentoo"}
	mysqlVirtual = CandidateVersion{Category: "virtual", Name: "mysql", Version: "5.5", Slot: "0", Repository: "gentoo"}
	python27     = CandidateVersion{Category: "dev-lang", Name: "python", Version: "2.7.6", Slot: "2.7", Repository: "gentoo"}
	python34     = CandidateVersion{Category: "dev-lang", Name: "python", Version: "3.4.0", Slot: "3.4", Repository: "gentoo"}
	libpng16     = CandidateVersion{Category: "media-libs", Name: "libpng", Version: "1.6.9", Slot: "0/16", Repository: "gentoo"}
	libpng12     = CandidateVersion{Category: "media-libs", Name: "libpng", Version: "1.2.51", Slot: "1.2", Repository: "gentoo"}
	overlayGit   = CandidateVersion{Category: "dev-vcs", Name: "git", Version: "1.9.1", Slot: "0", Repository: "company-overlay"}
	unnamedRepo  = CandidateVersion{Category: "dev-vcs", Name: "tig", Version: "2.0", Slot: "0"}
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		overrides  atom.Overrides
		candidates []CandidateVersion
		want       CandidateVersion
		wantErr    string
	}{
		{
			name:       "single candidate",
			raw:        "git",
			candidates: []CandidateVersion{overlayGit},
			want:       overlayGit,
		},
		{
			name:       "ambiguous category",
			raw:        "mysql",
			candidates: []CandidateVersion{mysqlDB, mysqlVirtual},
			wantErr:    "Package[mysql] is ambiguous, specify a category: dev-db, virtual",
		},
		{
			name:       "ambiguous category keeps first-seen order",
			raw:        "mysql",
			candidates: []CandidateVersion{mysqlVirtual, mysqlDB},
			wantErr:    "Package[mysql] is ambiguous, specify a category: virtual, dev-db",
		},
		{
			name:       "category narrows",
			raw:        "dev-db/mysql",
			candidates: []CandidateVersion{mysqlDB, mysqlVirtual},
			want:       mysqlDB,
		},
		{
			name:       "ambiguous slot",
			raw:        "dev-lang/python",
			candidates: []CandidateVersion{python27, python34},
			wantErr:    "Package[dev-lang/python] is ambiguous, specify a slot: 2.7, 3.4",
		},
		{
			name:       "explicit slot",
			raw:        "dev-lang/python:3.4",
			candidates: []CandidateVersion{python27, python34},
			want:       python34,
		},
		{
			name:       "default slot breaks ties",
			raw:        "libpng",
			candidates: []CandidateVersion{libpng12, libpng16},
			want:       libpng16,
		},
		{
			name:       "subslot is ignored for an explicit slot",
			raw:        "libpng",
			overrides:  atom.Overrides{Slot: "0"},
			candidates: []CandidateVersion{libpng12, libpng16},
			want:       libpng16,
		},
		{
			name:       "missing slot",
			raw:        "dev-lang/python:3.3",
			candidates: []CandidateVersion{python27, python34},
			wantErr:    "No package found with the specified name [python] in category [dev-lang] in slot [3.3]",
		},
		{
			name:       "repository matches",
			raw:        "git",
			overrides:  atom.Overrides{Repository: "company-overlay"},
			candidates: []CandidateVersion{overlayGit},
			want:       overlayGit,
		},
		{
			name:       "repository does not match",
			raw:        "git",
			overrides:  atom.Overrides{Repository: "gentoo"},
			candidates: []CandidateVersion{overlayGit},
			wantErr:    "No package found with the specified name [git] in repository [gentoo]",
		},
		{
			name:       "absent repository is the default one",
			raw:        "tig",
			overrides:  atom.Overrides{Repository: "gentoo"},
			candidates: []CandidateVersion{unnamedRepo},
			want:       unnamedRepo,
		},
		{
			name:       "nothing at all",
			raw:        "emacs",
			candidates: []CandidateVersion{mysqlDB},
			wantErr:    "No package found with the specified name [emacs]",
		},
		{
			name:       "name match is exact",
			raw:        "mysq",
			candidates: []CandidateVersion{mysqlDB},
			wantErr:    "No package found with the specified name [mysq]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := mustParse(t, tt.raw, tt.overrides)
			got, err := Resolve(id, tt.candidates, StandardDefaults)
			if tt.wantErr != "" {
				if err == nil || err.Error() != tt.wantErr {
					t.Fatalf("Expected error %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveErrorKinds(t *testing.T) {
	_, err := Resolve(mustParse(t, "mysql", atom.Overrides{}), []CandidateVersion{mysqlDB, mysqlVirtual}, StandardDefaults)
	if !errors.Is(err, ErrAmbiguous) {
		t.Errorf("Expected ErrAmbiguous, got %v", err)
	}
	var amb *AmbiguityError
	if !errors.As(err, &amb) || amb.Kind != KindCategory {
		t.Errorf("Expected category ambiguity, got %v", err)
	}

	_, err = Resolve(mustParse(t, "nothing", atom.Overrides{}), nil, StandardDefaults)
	if !errors.Is(err, ErrNoMatch) {
		t.Errorf("Expected ErrNoMatch, got %v", err)
	}
}

func TestSlotGroup(t *testing.T) {
	g := NewSlotGroup()
	g.Reserve("1.2")
	g.Put(CandidateVersion{Version: "1.6.8", Slot: "0/16"})
	g.Put(CandidateVersion{Version: "1.6.9", Slot: "0/16"})
	g.Reserve("0")

	if diff := cmp.Diff([]string{"1.2", "0"}, g.Slots()); diff != "" {
		t.Errorf("Slots mismatch (-want +got):\n%s", diff)
	}
	if c, ok := g.Get("0"); !ok || c.Version != "1.6.9" {
		t.Errorf("Expected the later candidate to win, got %+v", c)
	}
	if _, ok := g.Get("1.2"); ok {
		t.Error("Expected reserved slot to have no candidate")
	}
}

func TestStripSubslot(t *testing.T) {
	tests := map[string]string{
		"0":    "0",
		"0/16": "0",
		"3.4":  "3.4",
		"":     "",
	}
	for in, want := range tests {
		if got := StripSubslot(in); got != want {
			t.Errorf("StripSubslot(%q): expected '%s', got '%s'", in, want, got)
		}
	}
}
