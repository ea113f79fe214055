//go:build unit

package shard

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "-1", want: math.MaxUint64},
		{in: "-9223372036854775808", want: 1 << 63},
		{in: "18446744073709551615", want: math.MaxUint64},
		{in: "18446744073709551616", wantErr: true},
		{in: "-9223372036854775809", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidID)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOwnsIsHalfOpen(t *testing.T) {
	r := Range{Min: 100, Max: 200}

	assert.False(t, r.Owns(99))
	assert.True(t, r.Owns(100))
	assert.True(t, r.Owns(199))
	assert.False(t, r.Owns(200))
	assert.False(t, r.Owns(-1))
}

func TestOwnsNormalizesNegativeIDs(t *testing.T) {
	upper, err := ParseRange("9223372036854775808", "")
	require.NoError(t, err)

	assert.True(t, upper.Owns(-1))
	assert.True(t, upper.Owns(math.MinInt64))
	assert.False(t, upper.Owns(math.MaxInt64))

	assert.True(t, Full.Owns(0))
	assert.True(t, Full.Owns(-1))
}

func TestCheckWrapsErrNotOwned(t *testing.T) {
	r := Range{Min: 1, Max: 2}

	assert.NoError(t, r.Check(1))
	assert.ErrorIs(t, r.Check(2), ErrNotOwned)
}

func TestParseRangeRejectsEmpty(t *testing.T) {
	_, err := ParseRange("10", "10")
	assert.ErrorIs(t, err, ErrInvalidRange)

	r, err := ParseRange("0", "18446744073709551616")
	require.NoError(t, err)
	assert.Equal(t, Full, r)
}

func TestBindingKeys(t *testing.T) {
	tests := []struct {
		name string
		r    Range
		want []string
	}{
		{
			name: "everything",
			r:    Full,
			want: []string{"#"},
		},
		{
			name: "two aligned blocks",
			r:    Range{Min: 0x0100, Max: 0x0300},
			want: []string{"00.00.00.00.00.00.01.#", "00.00.00.00.00.00.02.#"},
		},
		{
			name: "unaligned edges",
			r:    Range{Min: 0xff, Max: 0x0101},
			want: []string{
				"00.00.00.00.00.00.00.ff",
				"00.00.00.00.00.00.01.00",
			},
		},
		{
			name: "upper half",
			r:    Range{Min: 1 << 63, Unbounded: true},
			want: upperHalfKeys(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := tt.r.BindingKeys(1000)
			require.NoError(t, err)
			assert.Equal(t, tt.want, keys)
		})
	}
}

func TestBindingKeysLimit(t *testing.T) {
	_, err := Range{Min: 1, Max: 1000}.BindingKeys(3)
	assert.ErrorIs(t, err, ErrTooManyBindingKeys)
}

func TestBindingKeysMatchExactlyOwnedIDs(t *testing.T) {
	r := Range{Min: 0x00ff_fff0, Max: 0x0102_0010}
	keys, err := r.BindingKeys(0)
	require.NoError(t, err)

	for _, id := range []uint64{0, 0x00ff_ffef, 0x00ff_fff0, 0x0100_0000, 0x0101_ffff, 0x0102_000f, 0x0102_0010, math.MaxUint64} {
		routingKey := hexKey(id)
		assert.Equal(t, r.Owns(int64(id)), matchesAny(keys, routingKey), routingKey)
	}
}

func upperHalfKeys() []string {
	keys := make([]string, 0, 128)
	for b := 0x80; b <= 0xff; b++ {
		keys = append(keys, fmt.Sprintf("%02x.#", b))
	}

	return keys
}

func hexKey(id uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)

	parts := make([]string, 8)
	for i, octet := range b {
		parts[i] = fmt.Sprintf("%02x", octet)
	}

	return strings.Join(parts, ".")
}

func matchesAny(patterns []string, key string) bool {
	for _, p := range patterns {
		prefix, wildcard := strings.CutSuffix(p, "#")
		if wildcard && strings.HasPrefix(key, prefix) {
			return true
		}

		if !wildcard && p == key {
			return true
		}
	}

	return false
}
