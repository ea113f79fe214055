// Package outbox publishes the rows that state transitions queue in the
// outbox_message table.
//
// A Flusher claims a batch in one short transaction, publishes each claimed
// row with publisher confirms and deletes it in a second transaction guarded
// by the claim token. No database lock is held across the network call. A
// crash between confirm and delete republishes the row after its lease ends,
// and receivers deduplicate by the message id derived from the dedup key.
package outbox
