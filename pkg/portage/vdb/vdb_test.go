package vdb

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/portagegt/pkg/portage/atom"
	"github.com/openfroyo/portagegt/pkg/portage/resolve"
)

type entry struct {
	dir, slot, pf, category, iuse, use, repo string
}

func newDB(entries ...entry) fstest.MapFS {
	db := fstest.MapFS{}
	for _, e := range entries {
		add := func(field, value string) {
			db[e.dir+"/"+field] = &fstest.MapFile{Data: []byte(value + "\n")}
		}
		add(FieldSlot, e.slot)
		add(FieldPF, e.pf)
		add(FieldCategory, e.category)
		add(FieldBuildTime, "1400000000")
		add(FieldUse, e.use)
		add(FieldRepository, e.repo)
		if e.iuse != "" {
			add(FieldIUse, e.iuse)
		}
	}
	return db
}

var (
	git       = entry{"dev-vcs/git-1.9.1", "0", "git-1.9.1", "dev-vcs", "+blksha1 +curl cgi doc", "amd64 blksha1 curl", "gentoo"}
	mysqlV    = entry{"virtual/mysql-5.5", "0", "mysql-5.5", "virtual", "embedded minimal static", "amd64", "gentoo"}
	mysqlDB   = entry{"dev-db/mysql-5.5.32", "0", "mysql-5.5.32", "dev-db", "debug +perl ssl", "amd64 perl ssl", "gentoo"}
	python34  = entry{"dev-lang/python-3.4.0", "3.4", "python-3.4.0", "dev-lang", "+ssl +threads", "ssl threads", "gentoo"}
	python27  = entry{"dev-lang/python-2.7.6", "2.7", "python-2.7.6", "dev-lang", "+ssl +threads", "ssl", "gentoo"}
	libpng16  = entry{"media-libs/libpng-1.6.9", "0/16", "libpng-1.6.9", "media-libs", "apng neon", "apng", "gentoo"}
	libpng12  = entry{"media-libs/libpng-1.2.51", "1.2", "libpng-1.2.51", "media-libs", "", "", "gentoo"}
	puppetOvl = entry{"app-admin/puppet-3.5.0", "0", "puppet-3.5.0", "app-admin", "", "", "company-overlay"}
	fooBar    = entry{"dev-util/foo-bar-1.2", "0", "foo-bar-1.2", "dev-util", "", "", "gentoo"}
)

func TestQuery(t *testing.T) {
	db := newDB(git, mysqlV, mysqlDB, python34, python27, libpng16, libpng12, puppetOvl, fooBar)
	r := &Reader{FS: db, Root: "/var/db/pkg"}

	tests := []struct {
		name        string
		raw         string
		overrides   atom.Overrides
		wantVersion string
		wantSlot    string
		wantNil     bool
		wantErr     string
	}{
		{name: "simple", raw: "git", wantVersion: "1.9.1", wantSlot: "0"},
		{name: "with category", raw: "dev-vcs/git", wantVersion: "1.9.1", wantSlot: "0"},
		{name: "not installed", raw: "emacs", wantNil: true},
		{name: "wrong category", raw: "dev-db/git", wantNil: true},
		{
			name:    "multiple categories",
			raw:     "mysql",
			wantErr: "Package[mysql] is ambiguous, specify a category: dev-db, virtual",
		},
		{name: "category disambiguates", raw: "virtual/mysql", wantVersion: "5.5", wantSlot: "0"},
		{
			name:    "multiple slots",
			raw:     "dev-lang/python",
			wantErr: "Package[dev-lang/python] is ambiguous, specify a slot: 2.7, 3.4",
		},
		{name: "explicit slot", raw: "dev-lang/python:3.4", wantVersion: "3.4.0", wantSlot: "3.4"},
		{name: "explicit slot not installed", raw: "dev-lang/python:3.3", wantNil: true},
		{name: "default slot wins", raw: "libpng", wantVersion: "1.6.9", wantSlot: "0"},
		{name: "obsolete slot", raw: "libpng:1.2", wantVersion: "1.2.51", wantSlot: "1.2"},
		{
			name:        "other repository is still reported",
			raw:         "app-admin/puppet",
			overrides:   atom.Overrides{Repository: "gentoo"},
			wantVersion: "3.5.0",
			wantSlot:    "0",
		},
		{name: "hyphenated name", raw: "foo-bar", wantVersion: "1.2", wantSlot: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := atom.Parse(tt.raw, tt.overrides)
			if err != nil {
				t.Fatalf("Failed to parse: %v", err)
			}

			got, err := r.Query(context.Background(), id, resolve.StandardDefaults)
			if tt.wantErr != "" {
				if err == nil || err.Error() != tt.wantErr {
					t.Fatalf("Expected error %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Fatalf("Expected nothing installed, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("Expected an installed package, got nil")
			}
			if got.Version != tt.wantVersion || got.Slot != tt.wantSlot {
				t.Errorf("Expected %s in slot %s, got %s in slot %s", tt.wantVersion, tt.wantSlot, got.Version, got.Slot)
			}
		})
	}
}

func TestQueryInstalledFields(t *testing.T) {
	r := &Reader{FS: newDB(git)}
	id, _ := atom.Parse("dev-vcs/git", atom.Overrides{})

	got, err := r.QueryInstalled(context.Background(), id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []resolve.CandidateVersion{{
		Category:   "dev-vcs",
		Name:       "git",
		Version:    "1.9.1",
		Slot:       "0",
		Repository: "gentoo",
		Installed:  true,
		IUSE:       []string{"+blksha1", "+curl", "cgi", "doc"},
		USE:        []string{"amd64", "blksha1", "curl"},
		BuildTime:  time.Unix(1400000000, 0).UTC(),
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("QueryInstalled mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryMissingField(t *testing.T) {
	for _, field := range RequiredFields {
		t.Run(field, func(t *testing.T) {
			db := newDB(git)
			delete(db, git.dir+"/"+field)
			r := &Reader{FS: db, Root: "/var/db/pkg"}
			id, _ := atom.Parse("git", atom.Overrides{})

			_, err := r.Query(context.Background(), id, resolve.StandardDefaults)
			if !errors.Is(err, ErrIntegrity) {
				t.Fatalf("Expected integrity error, got %v", err)
			}
			var ferr *FieldError
			if !errors.As(err, &ferr) || ferr.Field != field || ferr.Entry != "/var/db/pkg/dev-vcs/git-1.9.1" {
				t.Errorf("Expected FieldError for %s in the git entry, got %v", field, err)
			}
		})
	}
}

func TestQueryWithoutIUse(t *testing.T) {
	r := &Reader{FS: newDB(libpng12)}
	id, _ := atom.Parse("libpng", atom.Overrides{})

	got, err := r.Query(context.Background(), id, resolve.StandardDefaults)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got == nil || len(got.IUSE) != 0 {
		t.Errorf("Expected an entry with empty IUSE, got %+v", got)
	}
}

func TestPattern(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"git", "*/git-[0-9]*"},
		{"dev-vcs/git", "dev-vcs/git-[0-9]*"},
		{"dev-lang/python:3.4", "dev-lang/python-[0-9]*"},
	}
	for _, tt := range tests {
		id, _ := atom.Parse(tt.raw, atom.Overrides{})
		if got := Pattern(id); got != tt.want {
			t.Errorf("Pattern(%q): expected '%s', got '%s'", tt.raw, tt.want, got)
		}
	}
}

func TestSplitPF(t *testing.T) {
	tests := []struct {
		pf, name, version string
		ok                bool
	}{
		{"git-1.9.1", "git", "1.9.1", true},
		{"foo-bar-1.2", "foo-bar", "1.2", true},
		{"mysql-5.1.62-r1", "mysql", "5.1.62-r1", true},
		{"automake-wrapper-9", "automake-wrapper", "9", true},
		{"noversion", "noversion", "", false},
	}
	for _, tt := range tests {
		name, version, ok := SplitPF(tt.pf)
		if name != tt.name || version != tt.version || ok != tt.ok {
			t.Errorf("SplitPF(%q) = (%q, %q, %v), expected (%q, %q, %v)", tt.pf, name, version, ok, tt.name, tt.version, tt.ok)
		}
	}
}
