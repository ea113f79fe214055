// Package shard decides which creditor IDs this node owns.
//
// Creditor IDs are unsigned 64-bit values stored as two's complement int64.
// A Range is half-open, [Min, Max), over the unsigned interpretation. With
// Unbounded set the range extends to 2^64 and Max is ignored.
package shard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrNotOwned is returned when a creditor ID lies outside the owned range.
	ErrNotOwned = errors.New("shard: creditor id not owned by this node")
	// ErrInvalidID is returned when an ID does not parse or is out of bounds.
	ErrInvalidID = errors.New("shard: invalid creditor id")
	// ErrInvalidRange is returned when Min is not below Max.
	ErrInvalidRange = errors.New("shard: invalid range")
	// ErrTooManyBindingKeys is returned when covering the range needs more
	// binding keys than allowed.
	ErrTooManyBindingKeys = errors.New("shard: too many binding keys")
)

var (
	minSigned = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 63))
	twoTo64   = new(big.Int).Lsh(big.NewInt(1), 64)
)

// Range is the set of creditor IDs owned by this node.
type Range struct {
	Min       uint64
	Max       uint64
	Unbounded bool
}

// Full owns every creditor ID.
var Full = Range{Unbounded: true}

// ParseID parses a decimal creditor ID given either as a signed value in
// [-2^63, 0) or as an unsigned value in [0, 2^64).
func ParseID(s string) (uint64, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}

	if n.Cmp(minSigned) < 0 || n.Cmp(twoTo64) >= 0 {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidID, s)
	}

	if n.Sign() < 0 {
		n.Add(n, twoTo64)
	}

	return n.Uint64(), nil
}

// ParseRange parses the configured bounds. An empty max, or the literal
// 2^64, yields an unbounded range.
func ParseRange(minID, maxID string) (Range, error) {
	lo, err := ParseID(minID)
	if err != nil {
		return Range{}, err
	}

	maxID = strings.TrimSpace(maxID)
	if maxID == "" || maxID == twoTo64.String() {
		return Range{Min: lo, Unbounded: true}, nil
	}

	hi, err := ParseID(maxID)
	if err != nil {
		return Range{}, err
	}

	r := Range{Min: lo, Max: hi}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}

	return r, nil
}

// Validate rejects empty ranges.
func (r Range) Validate() error {
	if !r.Unbounded && r.Min >= r.Max {
		return fmt.Errorf("%w: [%d, %d) is empty", ErrInvalidRange, r.Min, r.Max)
	}

	return nil
}

// Owns reports whether creditorID, read as unsigned, lies in the range.
func (r Range) Owns(creditorID int64) bool {
	id := uint64(creditorID)
	if id < r.Min {
		return false
	}

	return r.Unbounded || id < r.Max
}

// Check returns ErrNotOwned, wrapped with the offending ID, when the ID is
// outside the range.
func (r Range) Check(creditorID int64) error {
	if r.Owns(creditorID) {
		return nil
	}

	return fmt.Errorf("%w: %d (unsigned %d) not in %s", ErrNotOwned, creditorID, uint64(creditorID), r)
}

func (r Range) String() string {
	if r.Unbounded {
		return fmt.Sprintf("[%d, 2^64)", r.Min)
	}

	return fmt.Sprintf("[%d, %d)", r.Min, r.Max)
}

// BindingKeys returns topic binding patterns which together match exactly the
// routing keys of the IDs in the range. Routing keys are the eight big-endian
// bytes of the ID, hex encoded and joined by dots. The range is split into
// blocks of 256^k IDs aligned on their own size; each block becomes the
// prefix of its fixed bytes followed by "#".
func (r Range) BindingKeys(limit int) ([]string, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	if r.Unbounded && r.Min == 0 {
		return []string{"#"}, nil
	}

	lo := r.Min
	remaining := r.Max - r.Min
	if r.Unbounded {
		remaining = -r.Min
	}

	var keys []string

	for remaining > 0 {
		k := 0
		for k < 7 {
			next := uint64(1) << (8 * (k + 1))
			if lo%next != 0 || next > remaining {
				break
			}
			k++
		}

		if limit > 0 && len(keys) == limit {
			return nil, fmt.Errorf("%w: %s needs more than %d", ErrTooManyBindingKeys, r, limit)
		}

		keys = append(keys, blockKey(lo, k))

		size := uint64(1) << (8 * k)
		lo += size
		remaining -= size
	}

	return keys, nil
}

func blockKey(lo uint64, wildcardBytes int) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], lo)

	parts := make([]string, 0, 9)
	for _, octet := range b[:8-wildcardBytes] {
		parts = append(parts, fmt.Sprintf("%02x", octet))
	}

	if wildcardBytes > 0 {
		parts = append(parts, "#")
	}

	return strings.Join(parts, ".")
}
