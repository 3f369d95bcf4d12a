package hub

import "errors"

var (
	ErrInvalidClientID = errors.New("invalid client id")
	ErrValidation      = errors.New("hub rejected payload")
	ErrPaymentRequired = errors.New("payment required")
	ErrRetryable       = errors.New("hub request failed")
)

// Status is the outcome of one hub call after retries.
type Status int

const (
	StatusOK Status = iota
	StatusValidationError
	StatusInvalidClientID
	StatusPaymentRequired
	StatusRetryableError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusValidationError:
		return "validation_error"
	case StatusInvalidClientID:
		return "invalid_client_id"
	case StatusPaymentRequired:
		return "payment_required"
	default:
		return "retryable_error"
	}
}

func statusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidClientID):
		return StatusInvalidClientID
	case errors.Is(err, ErrValidation):
		return StatusValidationError
	case errors.Is(err, ErrPaymentRequired):
		return StatusPaymentRequired
	default:
		return StatusRetryableError
	}
}
