package scanner

import (
	"errors"
	"fmt"
)

// GenericErrorMessage is shown for every transport level failure.
const GenericErrorMessage = "Error scanning medicine. Please try again."

// InputError reports an upload that cannot be sent: nothing selected, an
// empty file, or content that is not an image.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return "invalid input: " + e.Reason
}

var (
	ErrNoFile   = &InputError{Reason: "Please select an image to scan."}
	ErrNotImage = &InputError{Reason: "Selected file is not an image."}
)

// BusinessError is a well-formed backend answer with a non-success status.
type BusinessError struct {
	Status  string
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("scan rejected (status=%s): %s", e.Status, e.Message)
}

// TransportError covers network failures, timeouts, non-2xx responses and
// bodies that cannot be decoded. The cause is kept for diagnostics only.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("scanner %s: unexpected status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("scanner %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UserMessage maps any scan error to the text shown to the user.
func UserMessage(err error) string {
	var inputErr *InputError
	if errors.As(err, &inputErr) {
		return inputErr.Reason
	}
	var businessErr *BusinessError
	if errors.As(err, &businessErr) && businessErr.Message != "" {
		return businessErr.Message
	}
	return GenericErrorMessage
}

// Outcome labels err for metrics and history.
func Outcome(err error) string {
	var (
		inputErr    *InputError
		businessErr *BusinessError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &inputErr):
		return "input"
	case errors.As(err, &businessErr):
		return "business"
	default:
		return "transport"
	}
}
