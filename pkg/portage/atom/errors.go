package atom

import (
	"errors"
	"fmt"
)

// Validation failures. Each one is wrapped in a *ParseError naming the input.
var (
	ErrEmptyName                  = errors.New("name may not be empty")
	ErrWhitespaceInName           = errors.New("name may not contain whitespace")
	ErrTrailingCategoryBoundary   = errors.New("name may not end with category boundary")
	ErrLeadingCategoryBoundary    = errors.New("name may not start with category boundary")
	ErrMultipleCategoryBoundaries = errors.New("name may not contain multiple category boundaries")
	ErrTrailingSlotBoundary       = errors.New("name may not end with slot boundary")
	ErrLeadingSlotBoundary        = errors.New("name may not start with slot boundary")
	ErrEmbeddedRepository         = errors.New("name may not contain repository")
	ErrMultipleSlotBoundaries     = errors.New("name may not contain multiple slot boundaries")
	ErrCategoryDisagreement       = errors.New("category disagreement")
	ErrSlotDisagreement           = errors.New("slot disagreement")
)

// ParseError reports a structurally invalid package name.
type ParseError struct {
	Name string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid Package[%s]: %v", e.Name, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DisagreementError reports a field embedded in the name that contradicts
// the explicitly declared one.
type DisagreementError struct {
	Name     string
	Field    string
	Embedded string
	Declared string
	Err      error
}

func (e *DisagreementError) Error() string {
	return fmt.Sprintf("%s disagreement on Package[%s]: name has %q but %s is %q, please check the definition",
		capitalize(e.Field), e.Name, e.Embedded, e.Field, e.Declared)
}

func (e *DisagreementError) Unwrap() error { return e.Err }

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
