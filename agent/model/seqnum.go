package model

import "time"

// SeqnumAfter reports whether a comes after b in 32-bit wrap-around order.
func SeqnumAfter(a, b int32) bool {
	return int32(uint32(a)-uint32(b)) > 0
}

// IncrementSeqnum returns the successor of n, wrapping at MaxInt32.
func IncrementSeqnum(n int32) int32 {
	return int32(uint32(n) + 1)
}

// ChangeEvent orders AccountUpdate messages for one account.
type ChangeEvent struct {
	CreationDate time.Time
	TS           time.Time
	Seqnum       int32
}

// After reports whether e is strictly newer than other.
func (e ChangeEvent) After(other ChangeEvent) bool {
	switch {
	case !e.CreationDate.Equal(other.CreationDate):
		return e.CreationDate.After(other.CreationDate)
	case !e.TS.Equal(other.TS):
		return e.TS.After(other.TS)
	default:
		return SeqnumAfter(e.Seqnum, other.Seqnum)
	}
}
