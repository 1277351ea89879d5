package store

import (
	"errors"

	"github.com/kursflyt/waitlist/internal/apperr"
)

// AsDomain maps store sentinels to domain errors. notFound replaces
// ErrNotFound; domain errors pass through unchanged.
func AsDomain(err error, notFound *apperr.Error) error {
	var appErr *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, ErrNotFound) && notFound != nil:
		return notFound
	case errors.Is(err, ErrDuplicateSignup):
		return apperr.ErrAlreadySignedUp
	case errors.Is(err, ErrConditionFailed):
		return apperr.Wrap(apperr.CodeInvalidState, "state changed concurrently", err)
	case IsTransient(err):
		return apperr.Wrap(apperr.CodeStoreBusy, "store busy", err)
	default:
		return err
	}
}
