package outbox

import "errors"

var (
	// ErrRepositoryRequired is returned by NewFlusher without a repository.
	ErrRepositoryRequired = errors.New("outbox: repository is required")
	// ErrPublisherRequired is returned by NewFlusher without a publisher.
	ErrPublisherRequired = errors.New("outbox: publisher is required")
	// ErrFlusherRunning is returned by Run when the loop is already running.
	ErrFlusherRunning = errors.New("outbox: flusher is already running")
	// ErrUnroutable is returned by a Publisher when the broker returned a
	// mandatory message because no queue is bound for its routing key.
	ErrUnroutable = errors.New("outbox: message is unroutable")
	// ErrNacked is returned by a Publisher when the broker did not confirm
	// the message.
	ErrNacked = errors.New("outbox: publish was not confirmed")
	// ErrEmptyPayload marks a row that can never be published.
	ErrEmptyPayload = errors.New("outbox: empty payload")
)
