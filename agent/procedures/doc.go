// Package procedures holds every state transition of the creditors agent:
// the handlers of inbound protocol messages, the creditor, account and
// transfer operations, and the log and ledger compaction steps.
//
// A procedure checks the shard first, then runs in a single store
// transaction that also stages its pending log entries and outbox
// messages. Re-applying a message that was already applied changes
// nothing, so deliveries may be repeated freely.
package procedures
