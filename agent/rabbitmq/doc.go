// Package rabbitmq is the transport adapter: a confirmable publisher for the
// outbox, the topology declared by the subscribe command, and a consumer
// that routes deliveries to per-account workers.
package rabbitmq
