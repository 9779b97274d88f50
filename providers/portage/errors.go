package portage

import (
	"context"
	"errors"

	"github.com/openfroyo/portagegt/pkg/engine"
	"github.com/openfroyo/portagegt/pkg/executor"
	"github.com/openfroyo/portagegt/pkg/portage/atom"
	"github.com/openfroyo/portagegt/pkg/portage/resolve"
	"github.com/openfroyo/portagegt/pkg/portage/settings"
	"github.com/openfroyo/portagegt/pkg/portage/vdb"
)

// Classify maps a domain error to an EngineError. Errors that already carry
// a classification are returned unchanged; nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	var (
		parseErr    *atom.ParseError
		disagreeErr *atom.DisagreementError
		unknownKey  *settings.UnknownKeyError
		invalid     *settings.InvalidError
		exitErr     *executor.ExitError
	)

	switch {
	case errors.As(err, &parseErr), errors.As(err, &disagreeErr),
		errors.As(err, &unknownKey), errors.As(err, &invalid),
		errors.Is(err, settings.ErrNotAnObject), errors.Is(err, errInvalidConfig):
		return engine.NewSpecificationError(err.Error(), err)

	case errors.Is(err, resolve.ErrAmbiguous):
		return engine.NewAmbiguityError(err.Error(), err)

	case errors.Is(err, resolve.ErrNoMatch):
		return engine.NewNotFoundError(err.Error(), err)

	case errors.Is(err, vdb.ErrIntegrity):
		return engine.NewIntegrityError(err.Error(), err)

	case errors.As(err, &exitErr):
		return engine.NewCommandError(err.Error(), err).
			WithDetail("exit_code", exitErr.ExitCode).
			WithDetail("stderr", exitErr.Stderr)

	case errors.Is(err, context.DeadlineExceeded):
		return engine.NewTransientError(err.Error(), err).WithCode(engine.ErrCodeTimeout)

	case errors.Is(err, context.Canceled):
		return engine.NewTransientError(err.Error(), err)
	}

	return engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeProviderFailed)
}
