// Package vdb reads the installed package database kept by portage under
// /var/db/pkg, one directory per installed version.
package vdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/portagegt/pkg/portage/atom"
	"github.com/openfroyo/portagegt/pkg/portage/flags"
	"github.com/openfroyo/portagegt/pkg/portage/resolve"
)

// Metadata files of an installed entry.
const (
	FieldSlot       = "SLOT"
	FieldPF         = "PF"
	FieldCategory   = "CATEGORY"
	FieldBuildTime  = "BUILD_TIME"
	FieldUse        = "USE"
	FieldRepository = "repository"
	FieldIUse       = "IUSE"
)

// RequiredFields must exist in every entry that matches a query.
var RequiredFields = []string{FieldSlot, FieldPF, FieldCategory, FieldBuildTime, FieldUse, FieldRepository}

var (
	// ErrFieldNotFound is returned by ReadField for a missing metadata file.
	ErrFieldNotFound = errors.New("metadata field not found")

	// ErrIntegrity matches every *FieldError.
	ErrIntegrity = errors.New("package database entry is corrupt")
)

// FieldError reports a required metadata file that is missing or unreadable.
// It points at store corruption rather than a user mistake.
type FieldError struct {
	Field string
	Entry string
	Err   error
}

func (e *FieldError) Error() string {
	if errors.Is(e.Err, ErrFieldNotFound) {
		return fmt.Sprintf("The metadata file %q was not found in %s", e.Field, e.Entry)
	}
	return fmt.Sprintf("The metadata file %q in %s is invalid: %v", e.Field, e.Entry, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

func (e *FieldError) Is(target error) bool { return target == ErrIntegrity }

// Reader lists and reads entries of a package database. FS is rooted at the
// database directory; Root is only used to name entries in errors.
type Reader struct {
	FS   fs.FS
	Root string
}

// ListEntries returns the entry directories matching pattern, for example
// "dev-vcs/git-[0-9]*".
func (r *Reader) ListEntries(pattern string) ([]string, error) {
	entries, err := fs.Glob(r.FS, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list package database entries: %w", err)
	}
	return entries, nil
}

// ReadField returns the trimmed content of one metadata file.
func (r *Reader) ReadField(dir, field string) (string, error) {
	data, err := fs.ReadFile(r.FS, path.Join(dir, field))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrFieldNotFound
		}
		return "", err
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// Pattern returns the glob matching every installed version of id.
func Pattern(id atom.Identifier) string {
	category, ok := id.Category()
	if !ok {
		category = "*"
	}
	return path.Join(category, id.Name()+"-[0-9]*")
}

// QueryInstalled returns every installed version matching the name, category
// and slot of id, in directory order.
func (r *Reader) QueryInstalled(ctx context.Context, id atom.Identifier) ([]resolve.CandidateVersion, error) {
	entries, err := r.ListEntries(Pattern(id))
	if err != nil {
		return nil, err
	}

	wantSlot, hasSlot := id.Slot()
	var out []resolve.CandidateVersion
	for _, dir := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c, err := r.readEntry(dir)
		if err != nil {
			return nil, err
		}
		if hasSlot && c.Slot != resolve.StripSubslot(wantSlot) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Query returns the single installed version of id, or nil when none is
// installed. The repository of id is not used for matching, so a package
// installed from another repository is still reported.
func (r *Reader) Query(ctx context.Context, id atom.Identifier, d resolve.Defaults) (*resolve.CandidateVersion, error) {
	candidates, err := r.QueryInstalled(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	c, err := resolve.Resolve(id.WithRepository(""), candidates, d)
	if err != nil {
		if errors.Is(err, resolve.ErrNoMatch) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *Reader) readEntry(dir string) (resolve.CandidateVersion, error) {
	values := make(map[string]string, len(RequiredFields))
	for _, field := range RequiredFields {
		v, err := r.ReadField(dir, field)
		if err != nil {
			return resolve.CandidateVersion{}, &FieldError{Field: field, Entry: r.entryPath(dir), Err: err}
		}
		values[field] = v
	}

	iuse, err := r.ReadField(dir, FieldIUse)
	if err != nil && !errors.Is(err, ErrFieldNotFound) {
		return resolve.CandidateVersion{}, &FieldError{Field: FieldIUse, Entry: r.entryPath(dir), Err: err}
	}

	name, version, ok := SplitPF(values[FieldPF])
	if !ok {
		return resolve.CandidateVersion{}, &FieldError{
			Field: FieldPF, Entry: r.entryPath(dir),
			Err: fmt.Errorf("no version in %q", values[FieldPF]),
		}
	}

	seconds, err := strconv.ParseInt(values[FieldBuildTime], 10, 64)
	if err != nil {
		return resolve.CandidateVersion{}, &FieldError{Field: FieldBuildTime, Entry: r.entryPath(dir), Err: err}
	}

	return resolve.CandidateVersion{
		Category:   values[FieldCategory],
		Name:       name,
		Version:    version,
		Slot:       resolve.StripSubslot(values[FieldSlot]),
		Repository: values[FieldRepository],
		Installed:  true,
		IUSE:       flags.Tokenize(iuse),
		USE:        flags.Tokenize(values[FieldUse]),
		BuildTime:  time.Unix(seconds, 0).UTC(),
	}, nil
}

func (r *Reader) entryPath(dir string) string {
	if r.Root == "" {
		return dir
	}
	return path.Join(r.Root, dir)
}

// SplitPF splits a package-version string at the first hyphen followed by a
// digit, so "foo-bar-1.2" yields "foo-bar" and "1.2".
func SplitPF(pf string) (name, version string, ok bool) {
	for i := 0; i+1 < len(pf); i++ {
		if pf[i] == '-' && pf[i+1] >= '0' && pf[i+1] <= '9' {
			return pf[:i], pf[i+1:], true
		}
	}
	return pf, "", false
}
