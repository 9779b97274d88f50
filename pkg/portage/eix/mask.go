package eix

// Mask types reported by eix. A hard mask is lifted by package.unmask, a
// keyword mask by package.keywords (or package.accept_keywords).
var (
	hardMaskTypes = map[string]bool{
		"hard":         true,
		"profile":      true,
		"package":      true,
		"package_mask": true,
	}
	keywordMaskTypes = map[string]bool{
		"keyword":         true,
		"missing_keyword": true,
		"alien_stable":    true,
		"alien_unstable":  true,
		"minus_keyword":   true,
		"minus_asterisk":  true,
		"minus_unstable":  true,
	}
	hardUnmaskTypes = map[string]bool{
		"package_unmask": true,
	}
	keywordUnmaskTypes = map[string]bool{
		"package_keywords": true,
	}
)

func (v Version) hardMasked() bool {
	return hasMarker(v.Masks, hardMaskTypes) && !hasMarker(v.Unmasks, hardUnmaskTypes)
}

func (v Version) keywordMasked() bool {
	return hasMarker(v.Masks, keywordMaskTypes) && !hasMarker(v.Unmasks, keywordUnmaskTypes)
}

func hasMarker(markers []Marker, types map[string]bool) bool {
	for _, m := range markers {
		if types[m.Type] {
			return true
		}
	}
	return false
}
