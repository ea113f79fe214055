package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownType is returned for a message type the agent does not handle.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrContentType is returned when the content type is not application/json.
	ErrContentType = errors.New("protocol: unsupported content type")
	// ErrMalformed is returned when the body is not a valid JSON document.
	ErrMalformed = errors.New("protocol: malformed message body")
	// ErrInvalidSignal is returned when an outbound signal cannot be encoded.
	ErrInvalidSignal = errors.New("protocol: invalid signal")
)

// ValidationError reports the fields of an inbound message that failed
// validation.
type ValidationError struct {
	Type   string
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("protocol: invalid %s message: %v", e.Type, e.Err)
	}

	return fmt.Sprintf("protocol: invalid %s message: %s", e.Type, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(msgType string, err error) *ValidationError {
	verr := &ValidationError{Type: msgType, Err: err}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			verr.Fields = append(verr.Fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
		}
	}

	return verr
}

// IsProtocolError reports whether err means the message can never be
// processed and should be dead-lettered.
func IsProtocolError(err error) bool {
	var verr *ValidationError

	return errors.As(err, &verr) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrContentType) ||
		errors.Is(err, ErrMalformed)
}
