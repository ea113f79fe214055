package procedures

import (
	"errors"
	"fmt"
)

var (
	ErrCreditorNotFound       = errors.New("procedures: creditor does not exist")
	ErrCreditorExists         = errors.New("procedures: creditor exists")
	ErrInvalidReservationID   = errors.New("procedures: invalid reservation id")
	ErrAccountNotFound        = errors.New("procedures: account does not exist")
	ErrAccountExists          = errors.New("procedures: account exists")
	ErrUnsafeAccountDeletion  = errors.New("procedures: unsafe account deletion")
	ErrForbiddenPegDeletion   = errors.New("procedures: the account is a peg of other accounts")
	ErrPegDoesNotExist        = errors.New("procedures: peg account does not exist")
	ErrInvalidExchangePolicy  = errors.New("procedures: invalid exchange policy")
	ErrInvalidAccountConfig   = errors.New("procedures: invalid account config")
	ErrTransferNotFound       = errors.New("procedures: transfer does not exist")
	ErrTransferExists         = errors.New("procedures: transfer exists")
	ErrForbiddenCancellation  = errors.New("procedures: the transfer can not be canceled")
	ErrUpdateConflict         = errors.New("procedures: update conflict")
	ErrAlreadyUpToDate        = errors.New("procedures: already up to date")
	ErrInvalidTransferRequest = errors.New("procedures: invalid transfer request")
	ErrCreditorOwned          = errors.New("procedures: creditor is owned by this shard")
)

// InvariantViolation reports state that must never occur, such as two
// different committed transfers under one key. It aborts the transaction
// and is never retried.
type InvariantViolation struct {
	Entity string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("procedures: invariant violation on %s: %s", e.Entity, e.Detail)
}

// IsInvariantViolation reports whether err wraps an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var violation *InvariantViolation

	return errors.As(err, &violation)
}
