// Package protocol encodes and decodes the messages exchanged with debtor
// nodes and with the trade subsystem.
//
// Inbound messages are validated with go-playground/validator before they
// reach the state machine. Outbound signals are encoded once, when their
// outbox row is inserted, and never re-encoded afterwards.
package protocol
