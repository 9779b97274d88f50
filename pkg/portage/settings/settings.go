// Package settings decodes the package_settings attribute of a package
// resource into a typed value.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/portagegt/pkg/portage/flags"
)

// Recognized keys.
const (
	KeySlot        = "slot"
	KeyRepository  = "repository"
	KeyUse         = "use"
	KeyKeywords    = "keywords"
	KeyEnvironment = "environment"
)

var knownKeys = map[string]bool{
	KeySlot:        true,
	KeyRepository:  true,
	KeyUse:         true,
	KeyKeywords:    true,
	KeyEnvironment: true,
}

var (
	slotPattern       = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9+_.-]*(/[A-Za-z0-9_][A-Za-z0-9+_.-]*)?$`)
	repositoryPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)
	envKeyPattern     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Settings is the desired installation state of one package beyond its
// version. Empty fields are unset.
type Settings struct {
	Slot        string            `json:"slot,omitempty" yaml:"slot,omitempty" validate:"omitempty,slot"`
	Repository  string            `json:"repository,omitempty" yaml:"repository,omitempty" validate:"omitempty,repository"`
	Use         FlagList          `json:"use,omitempty" yaml:"use,omitempty"`
	Keywords    FlagList          `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty" validate:"omitempty,dive,keys,envkey,endkeys"`
}

// FlagList is a normalized token list. It decodes from either a
// whitespace-separated string or a list of strings.
type FlagList []string

// UnmarshalJSON accepts "a b" and ["a", "b"].
func (f *FlagList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flags.Tokenize(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("must be a string or a list of strings")
	}
	*f = flags.TokenizeList(list)
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence.
func (f *FlagList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*f = flags.Tokenize(value.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return fmt.Errorf("must be a string or a list of strings")
		}
		*f = flags.TokenizeList(list)
		return nil
	}
	return fmt.Errorf("must be a string or a list of strings")
}

// String joins the tokens as they appear in a flag file.
func (f FlagList) String() string {
	return strings.Join(f, " ")
}

// UnknownKeyError reports a package_settings key that is not recognized.
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	known := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		known = append(known, k)
	}
	sort.Strings(known)
	return fmt.Sprintf("unknown package_settings key %q, expected one of: %s", e.Key, strings.Join(known, ", "))
}

// InvalidError reports a value that failed validation.
type InvalidError struct {
	Field string
	Value string
	Err   error
}

func (e *InvalidError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid package_settings %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid package_settings %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *InvalidError) Unwrap() error { return e.Err }

// ErrNotAnObject is returned when package_settings is not a mapping.
var ErrNotAnObject = errors.New("must be a hash")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return jsonName(f.Tag.Get("json"))
	})
	_ = v.RegisterValidation("slot", func(fl validator.FieldLevel) bool {
		return slotPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("repository", func(fl validator.FieldLevel) bool {
		return repositoryPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("envkey", func(fl validator.FieldLevel) bool {
		return envKeyPattern.MatchString(fl.Field().String())
	})
	return v
}

func jsonName(tag string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	return name
}

// Decode parses a JSON object. Slots may be given as numbers, since "2" and
// 2 are the same slot to a user. A null or empty input gives nil.
func Decode(data []byte) (*Settings, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("package_settings %w", ErrNotAnObject)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !knownKeys[k] {
			return nil, &UnknownKeyError{Key: k}
		}
	}

	var s Settings
	for _, k := range keys {
		var err error
		switch k {
		case KeySlot:
			s.Slot, err = scalar(raw[k])
		case KeyRepository:
			s.Repository, err = scalar(raw[k])
		case KeyUse:
			err = json.Unmarshal(raw[k], &s.Use)
		case KeyKeywords:
			err = json.Unmarshal(raw[k], &s.Keywords)
		case KeyEnvironment:
			err = json.Unmarshal(raw[k], &s.Environment)
		}
		if err != nil {
			return nil, &InvalidError{Field: k, Err: err}
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// scalar reads a string or a number as a string.
func scalar(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("must be a string or a number")
	}
	// Keep the literal digits: slot 3.10 is not slot 3.1.
	return n.String(), nil
}

// Validate checks slot, repository and environment names.
func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := fe.Field()
	if field == "" {
		field = strings.ToLower(fe.StructField())
	}
	return &InvalidError{
		Field: field,
		Value: fmt.Sprint(fe.Value()),
		Err:   fmt.Errorf("does not match the %s format", fe.Tag()),
	}
}

// Desired reports whether any setting was given.
func (s *Settings) Desired() bool {
	return s != nil && (s.Slot != "" || s.Repository != "" || len(s.Use) > 0 ||
		len(s.Keywords) > 0 || len(s.Environment) > 0)
}

// SlotOrEmpty returns the slot of a possibly nil Settings.
func (s *Settings) SlotOrEmpty() string {
	if s == nil {
		return ""
	}
	return s.Slot
}

// RepositoryOrEmpty returns the repository of a possibly nil Settings.
func (s *Settings) RepositoryOrEmpty() string {
	if s == nil {
		return ""
	}
	return s.Repository
}

// UseFlags returns the use flags of a possibly nil Settings.
func (s *Settings) UseFlags() []string {
	if s == nil {
		return nil
	}
	return s.Use
}

// KeywordFlags returns the keywords of a possibly nil Settings.
func (s *Settings) KeywordFlags() []string {
	if s == nil {
		return nil
	}
	return s.Keywords
}

// EnvironmentOrNil returns the environment of a possibly nil Settings.
func (s *Settings) EnvironmentOrNil() map[string]string {
	if s == nil {
		return nil
	}
	return s.Environment
}
