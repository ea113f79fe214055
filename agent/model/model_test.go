//go:build unit

package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeqnumAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b int32
		want bool
	}{
		{"greater", 2, 1, true},
		{"equal", 5, 5, false},
		{"smaller", 1, 2, false},
		{"wraps past max", math.MinInt32, math.MaxInt32, true},
		{"before wrap", math.MaxInt32, math.MinInt32, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SeqnumAfter(tt.a, tt.b))
		})
	}
}

func TestIncrementSeqnum(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int32(1), IncrementSeqnum(0))
	assert.Equal(t, int32(math.MinInt32), IncrementSeqnum(math.MaxInt32))
}

func TestChangeEvent_After(t *testing.T) {
	t.Parallel()

	d1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	ts := d1.Add(time.Hour)

	base := ChangeEvent{CreationDate: d1, TS: ts, Seqnum: 10}

	assert.True(t, ChangeEvent{CreationDate: d2, TS: TS0, Seqnum: 0}.After(base))
	assert.True(t, ChangeEvent{CreationDate: d1, TS: ts.Add(time.Second), Seqnum: 0}.After(base))
	assert.True(t, ChangeEvent{CreationDate: d1, TS: ts, Seqnum: 11}.After(base))
	assert.False(t, base.After(base))
	assert.False(t, ChangeEvent{CreationDate: d1, TS: ts, Seqnum: 9}.After(base))
}

func TestCreditor_Lifecycle(t *testing.T) {
	t.Parallel()

	reservation := int64(42)
	c := &Creditor{CreditorID: 1, ReservationID: &reservation}
	assert.Equal(t, CreditorPristine, c.Status())

	c.Activate()
	assert.Equal(t, CreditorActive, c.Status())
	assert.Nil(t, c.ReservationID)

	now := time.Date(2026, 5, 4, 13, 14, 15, 0, time.UTC)
	c.Deactivate(now)
	assert.Equal(t, CreditorDeactivated, c.Status())
	assert.Equal(t, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), *c.DeactivatedAt)

	c.Deactivate(now.AddDate(0, 0, 3))
	assert.Equal(t, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), *c.DeactivatedAt)

	c.Activate()
	assert.Equal(t, CreditorDeactivated, c.Status())
}

func TestCreditor_NextLogEntryID(t *testing.T) {
	t.Parallel()

	c := &Creditor{LastLogEntryID: 7}
	assert.Equal(t, int64(8), c.NextLogEntryID())
	assert.Equal(t, int64(9), c.NextLogEntryID())
}

func TestAccount_Flags(t *testing.T) {
	t.Parallel()

	a := NewAccount(1, 2, time.Now())
	assert.False(t, a.IsScheduledForDeletion())
	assert.False(t, a.IsDeletionSafe())

	a.SetScheduledForDeletion(true)
	a.IsConfigEffectual = true
	assert.True(t, a.IsDeletionSafe())

	a.HasServerAccount = true
	assert.False(t, a.IsDeletionSafe())

	a.SetScheduledForDeletion(false)
	assert.False(t, a.IsScheduledForDeletion())
}

func TestAmountsMatch(t *testing.T) {
	t.Parallel()

	assert.True(t, AmountsMatch(HugeNegligibleAmount, 1e30))
	assert.True(t, AmountsMatch(1.5, 1.5))
	assert.False(t, AmountsMatch(1.5, 1.6))
	assert.True(t, AmountsMatch(0, 0))
}

func TestCommittedTransfer_SameAs(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	a := &CommittedTransfer{CreditorID: 1, DebtorID: 2, CreationDate: Date(now), TransferNumber: 7, AcquiredAmount: 100, CommittedAt: now}
	b := *a
	assert.True(t, a.SameAs(&b))

	b.AcquiredAmount = 101
	assert.False(t, a.SameAs(&b))
}

func TestSignalKind_Valid(t *testing.T) {
	t.Parallel()

	for _, k := range SignalKinds {
		assert.True(t, k.Valid())
	}

	assert.False(t, SignalKind("Nope").Valid())
}
