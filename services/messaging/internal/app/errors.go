package app

import (
	"errors"
	"fmt"

	"threadline/pkg/store"
)

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationForbidden = errors.New("conversation forbidden")
	ErrBlobNotFound          = errors.New("attachment not found")
	// ErrConflict is a uniqueness race that survived its single retry.
	ErrConflict = errors.New("conflict")
	// ErrValidation marks malformed input; wrapped errors carry the detail.
	ErrValidation = errors.New("validation failed")
	// ErrStorage is an object-store or database failure.
	ErrStorage = errors.New("storage failure")
)

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// classify maps store errors onto the service taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrConversationNotFound
	case errors.Is(err, store.ErrForbidden):
		return ErrConversationForbidden
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}
