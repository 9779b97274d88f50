// Package eix queries the eix package index and picks the newest version of
// a package that may be installed without overrides.
package eix

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/openfroyo/portagegt/pkg/portage/resolve"
)

// Document is the output of "eix --xml".
type Document struct {
	XMLName    xml.Name   `xml:"eixdump"`
	Version    string     `xml:"version,attr"`
	Categories []Category `xml:"category"`
}

// Category groups the packages of one category.
type Category struct {
	Name     string    `xml:"name,attr"`
	Packages []Package `xml:"package"`
}

// Package lists the versions of one package, oldest first.
type Package struct {
	Name     string    `xml:"name,attr"`
	Versions []Version `xml:"version"`
}

// Version is one ebuild version. Slot and Repository are empty when eix
// omits them, which means the default slot and repository.
type Version struct {
	ID         string   `xml:"id,attr"`
	Slot       string   `xml:"slot,attr"`
	Repository string   `xml:"repository,attr"`
	Installed  string   `xml:"installed,attr"`
	Masks      []Marker `xml:"mask"`
	Unmasks    []Marker `xml:"unmask"`
	IUSE       string   `xml:"iuse"`
}

// Marker is a mask or unmask element.
type Marker struct {
	Type string `xml:"type,attr"`
}

// Parse decodes an eix XML document.
func Parse(r io.Reader) (*Document, error) {
	var doc Document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse eix output: %w", err)
	}
	return &doc, nil
}

// VersionWarning returns a message when the document format is not one of
// known. Unknown formats are still processed.
func (d *Document) VersionWarning(known []int) string {
	v, err := strconv.Atoi(strings.TrimSpace(d.Version))
	if err == nil {
		for _, k := range known {
			if k == v {
				return ""
			}
		}
	}
	parts := make([]string, len(known))
	for i, k := range known {
		parts[i] = strconv.Itoa(k)
	}
	return fmt.Sprintf("eixdump version %q is not in [%s]", d.Version, strings.Join(parts, ", "))
}

// IsInstalled reports the installed attribute.
func (v Version) IsInstalled() bool {
	return v.Installed == "1"
}

// Candidates flattens the document into candidate versions in document order.
func (d *Document) Candidates(defaults resolve.Defaults) []resolve.CandidateVersion {
	var out []resolve.CandidateVersion
	for _, cat := range d.Categories {
		for _, pkg := range cat.Packages {
			for _, v := range pkg.Versions {
				out = append(out, v.candidate(cat.Name, pkg.Name, defaults))
			}
		}
	}
	return out
}

func (v Version) candidate(category, name string, defaults resolve.Defaults) resolve.CandidateVersion {
	slot := resolve.StripSubslot(v.Slot)
	if slot == "" {
		slot = defaults.Slot
	}
	repo := v.Repository
	if repo == "" {
		repo = defaults.Repository
	}
	return resolve.CandidateVersion{
		Category:      category,
		Name:          name,
		Version:       v.ID,
		Slot:          slot,
		Repository:    repo,
		Installed:     v.IsInstalled(),
		HardMasked:    v.hardMasked(),
		KeywordMasked: v.keywordMasked(),
		IUSE:          strings.Fields(v.IUSE),
	}
}
