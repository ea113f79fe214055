package outbox

import (
	"errors"

	"github.com/swaptacular/creditors-agent/agent/protocol"
)

// RetryClassifier determines whether an error should not be retried.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// DefaultRetryClassifier quarantines rows the broker can never accept:
// unroutable messages and payloads that fail to encode.
var DefaultRetryClassifier = RetryClassifierFunc(func(err error) bool {
	return errors.Is(err, ErrUnroutable) || errors.Is(err, ErrEmptyPayload) || protocol.IsProtocolError(err)
})
