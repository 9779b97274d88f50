package resolve

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names the attribute that failed to narrow the match.
type Kind string

const (
	KindCategory   Kind = "category"
	KindSlot       Kind = "slot"
	KindRepository Kind = "repository"
)

var (
	// ErrAmbiguous matches every *AmbiguityError.
	ErrAmbiguous = errors.New("ambiguous package")

	// ErrNoMatch matches every *NotFoundError.
	ErrNoMatch = errors.New("no matching package")
)

// AmbiguityError lists every option found, in first-seen order, so the user
// can add the missing attribute.
type AmbiguityError struct {
	Kind    Kind
	Subject string
	Options []string
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("Package[%s] is ambiguous, specify a %s: %s",
		e.Subject, e.Kind, strings.Join(e.Options, ", "))
}

func (e *AmbiguityError) Is(target error) bool { return target == ErrAmbiguous }

// NotFoundError reports that nothing matched. Category and Constraint are
// set when the search was narrowed, which tells "nothing at all" apart from
// "nothing within the constraint".
type NotFoundError struct {
	Subject    string
	Category   string
	Constraint Kind
	Value      string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("No package found with the specified name [%s]", e.Subject)
	if e.Category != "" {
		msg += fmt.Sprintf(" in category [%s]", e.Category)
	}
	if e.Constraint != "" {
		msg += fmt.Sprintf(" in %s [%s]", e.Constraint, e.Value)
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNoMatch }
