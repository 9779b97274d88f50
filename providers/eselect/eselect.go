// Package eselect implements the eselect resource, which switches between
// installed versions of a program (ruby, python, the kernel symlink) with
// Gentoo's eselect tool or a pair of custom list and set commands.
package eselect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/openfroyo/portagegt/pkg/executor"
)

var (
	// ErrModuleDisagreement is returned when the resource name is a module
	// name and an explicit module names another one.
	ErrModuleDisagreement = errors.New("module disagreement")

	// ErrMultipleSelected is returned when the list output marks more than
	// one option as selected.
	ErrMultipleSelected = errors.New("multiple selected options")

	// ErrInvalidConfig matches every configuration error of a resource.
	ErrInvalidConfig = errors.New("invalid eselect configuration")
)

var (
	modulePattern = regexp.MustCompile(`^[a-z]+$`)
	optionIndex   = regexp.MustCompile(`^\[\d+\]$`)
)

// InvalidOptionError reports a target that the list command does not offer.
type InvalidOptionError struct {
	Resource string
	Target   string
	Options  []string
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("invalid option %q, should be one of [%s] for eselect[%s]",
		e.Target, strings.Join(e.Options, " "), e.Resource)
}

// Config is the desired configuration of an eselect resource.
type Config struct {
	Name      string `json:"name"`
	Ensure    string `json:"ensure"`
	Module    string `json:"module,omitempty"`
	Submodule string `json:"submodule,omitempty"`
	ListCmd   string `json:"listcmd,omitempty"`
	SetCmd    string `json:"setcmd,omitempty"`
}

// DecodeConfig parses raw, rejecting unknown keys.
func DecodeConfig(raw json.RawMessage) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// Resource is a validated eselect resource.
type Resource struct {
	Name      string
	Target    string
	Module    string
	Submodule string

	// ListArgv and SetArgv are only set for custom commands.
	ListArgv []string
	SetArgv  []string
}

// Resource validates c.
func (c *Config) Resource() (*Resource, error) {
	r := &Resource{Name: c.Name, Target: strings.TrimSpace(c.Ensure)}
	if r.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}

	if strings.IndexFunc(c.Module, unicode.IsSpace) >= 0 {
		return nil, fmt.Errorf("%w: module may not contain whitespace", ErrInvalidConfig)
	}
	if strings.IndexFunc(c.Submodule, unicode.IsSpace) >= 0 {
		return nil, fmt.Errorf("%w: submodule may not contain whitespace", ErrInvalidConfig)
	}

	custom := c.ListCmd != "" || c.SetCmd != ""
	if custom {
		switch {
		case c.ListCmd == "":
			return nil, fmt.Errorf("%w: setcmd is specified but listcmd is not in eselect[%s]", ErrInvalidConfig, c.Name)
		case c.SetCmd == "":
			return nil, fmt.Errorf("%w: listcmd is specified but setcmd is not in eselect[%s]", ErrInvalidConfig, c.Name)
		case c.Module != "":
			return nil, fmt.Errorf("%w: module should not be specified with custom commands in eselect[%s]", ErrInvalidConfig, c.Name)
		case c.Submodule != "":
			return nil, fmt.Errorf("%w: submodule should not be specified with custom commands in eselect[%s]", ErrInvalidConfig, c.Name)
		}
		r.ListArgv = strings.Fields(c.ListCmd)
		r.SetArgv = strings.Fields(c.SetCmd)
		return r, nil
	}

	if modulePattern.MatchString(c.Name) {
		r.Module = c.Name
	}
	if c.Module != "" {
		if r.Module != "" && r.Module != c.Module {
			return nil, fmt.Errorf("%w on eselect[%s]: name is module %q, module is %q",
				ErrModuleDisagreement, c.Name, r.Module, c.Module)
		}
		r.Module = c.Module
	}
	if r.Module == "" {
		return nil, fmt.Errorf("%w: no module for eselect[%s]", ErrInvalidConfig, c.Name)
	}
	r.Submodule = c.Submodule
	return r, nil
}

// Selector runs list and set commands for one resource.
type Selector struct {
	Exec executor.Executor

	// Binary is the eselect executable.
	Binary string
}

// ListCommand returns the command printing the options of r.
func (s *Selector) ListCommand(r *Resource) executor.Command {
	if r.ListArgv != nil {
		return executor.Command{Argv: append([]string(nil), r.ListArgv...)}
	}
	return executor.Command{Argv: s.moduleArgv(r, "list")}
}

// SetCommand returns the command selecting target.
func (s *Selector) SetCommand(r *Resource, target string) executor.Command {
	var argv []string
	if r.SetArgv != nil {
		argv = append([]string(nil), r.SetArgv...)
	} else {
		argv = s.moduleArgv(r, "set")
	}
	return executor.Command{Argv: append(argv, target)}
}

func (s *Selector) moduleArgv(r *Resource, action string) []string {
	binary := s.Binary
	if binary == "" {
		binary = "/usr/bin/eselect"
	}
	argv := []string{binary, r.Module, action}
	if r.Submodule != "" {
		argv = append(argv, r.Submodule)
	}
	return argv
}

// Listing is the parsed output of a list command.
type Listing struct {
	Options  []string
	Selected string
}

// Has reports whether option is offered.
func (l *Listing) Has(option string) bool {
	for _, o := range l.Options {
		if o == option {
			return true
		}
	}
	return false
}

// ParseList reads lines of the form "[N] option" with a trailing "*" on
// the selected one. Other lines are headers and are skipped.
func ParseList(output string) (*Listing, error) {
	l := &Listing{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || !optionIndex.MatchString(fields[0]) {
			continue
		}
		option := fields[1]
		if fields[len(fields)-1] == "*" {
			if l.Selected != "" {
				return nil, fmt.Errorf("%w: %s and %s", ErrMultipleSelected, l.Selected, option)
			}
			l.Selected = option
		}
		l.Options = append(l.Options, option)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read eselect list output: %w", err)
	}
	return l, nil
}

// List runs the list command of r.
func (s *Selector) List(ctx context.Context, r *Resource) (*Listing, error) {
	res, err := s.Exec.Execute(ctx, s.ListCommand(r))
	if err != nil {
		return nil, err
	}
	l, err := ParseList(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("eselect[%s]: %w", r.Name, err)
	}
	return l, nil
}

// Current returns the selected option. It fails with *InvalidOptionError
// when the desired target is not offered, so a typo is reported before
// anything is changed.
func (s *Selector) Current(ctx context.Context, r *Resource) (string, error) {
	l, err := s.List(ctx, r)
	if err != nil {
		return "", err
	}
	if !l.Has(r.Target) {
		return "", &InvalidOptionError{Resource: r.Name, Target: r.Target, Options: l.Options}
	}
	return l.Selected, nil
}

// Set selects target.
func (s *Selector) Set(ctx context.Context, r *Resource, target string) error {
	_, err := s.Exec.Execute(ctx, s.SetCommand(r, target))
	return err
}
