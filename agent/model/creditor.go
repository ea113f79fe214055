package model

import "time"

// Creditor status flag bits.
const (
	CreditorActivatedFlag   int16 = 1 << 0
	CreditorDeactivatedFlag int16 = 1 << 1
)

// CreditorStatus is the lifecycle stage derived from the status flags.
type CreditorStatus string

const (
	CreditorPristine    CreditorStatus = "pristine"
	CreditorActive      CreditorStatus = "active"
	CreditorDeactivated CreditorStatus = "deactivated"
)

// Creditor is a party owned by this node.
type Creditor struct {
	CreditorID     int64
	StatusFlags    int16
	CreatedAt      time.Time
	ReservationID  *int64
	LastLogEntryID int64
	// DeactivatedAt is the date of deactivation, nil until then.
	DeactivatedAt *time.Time

	AccountsListLatestUpdateID  int64
	TransfersListLatestUpdateID int64
}

// Status reports the lifecycle stage.
func (c *Creditor) Status() CreditorStatus {
	switch {
	case c.StatusFlags&CreditorDeactivatedFlag != 0:
		return CreditorDeactivated
	case c.StatusFlags&CreditorActivatedFlag != 0:
		return CreditorActive
	default:
		return CreditorPristine
	}
}

// Activate moves a pristine creditor to active. It never reverses a
// deactivation.
func (c *Creditor) Activate() {
	c.StatusFlags |= CreditorActivatedFlag
	c.ReservationID = nil
}

// Deactivate is terminal.
func (c *Creditor) Deactivate(now time.Time) {
	if c.StatusFlags&CreditorDeactivatedFlag != 0 {
		return
	}

	date := Date(now)
	c.StatusFlags |= CreditorDeactivatedFlag
	c.DeactivatedAt = &date
}

// NextLogEntryID advances the log cursor and returns the new entry ID.
func (c *Creditor) NextLogEntryID() int64 {
	c.LastLogEntryID++
	return c.LastLogEntryID
}

// Date truncates t to midnight UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
