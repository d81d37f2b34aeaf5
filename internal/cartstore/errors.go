package cartstore

import (
	"errors"
	"fmt"

	"github.com/fjod/foodee-cart/internal/backend"
)

var (
	ErrUnauthenticated    = errors.New("login required")
	ErrProductUnavailable = errors.New("product unavailable")
	ErrRequestFailed      = errors.New("request failed")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// backendError converts a backend or catalog failure into the store's
// error kinds. Adds treat a rejected or missing product as unavailable.
func backendError(op string, err error, adding bool) error {
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		return fmt.Errorf("%s: %w", op, ErrUnauthenticated)
	case adding && (errors.Is(err, backend.ErrNotFound) || errors.Is(err, backend.ErrRejected)):
		return fmt.Errorf("%s: %w: %s", op, ErrProductUnavailable, message(err))
	default:
		return fmt.Errorf("%s: %w: %s", op, ErrRequestFailed, message(err))
	}
}

func message(err error) string {
	var se *backend.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}
