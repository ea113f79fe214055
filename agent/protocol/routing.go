package protocol

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strings"
)

// Exchange names.
const (
	ExchangeCreditorsIn  = "creditors_in"
	ExchangeCreditorsOut = "creditors_out"
	ExchangeToTrade      = "to_trade"
	ExchangeCACreditors  = "ca.creditors"
)

// ContentTypeJSON is the only accepted message content type.
const ContentTypeJSON = "application/json"

// AppID is stamped on every published message.
const AppID = "creditors-agent"

// HexRoutingKey returns the dot-separated big-endian hex bytes of id, for
// example "00.00.00.00.00.00.00.01" for 1.
func HexRoutingKey(id int64) string {
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], uint64(id))

	parts := make([]string, len(buf))
	for i, b := range buf {
		parts[i] = fmt.Sprintf("%02x", b)
	}

	return strings.Join(parts, ".")
}

// BinRoutingKey returns the first 24 bits of the MD5 digest of id, one
// "0" or "1" word per bit.
func BinRoutingKey(id int64) string {
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], uint64(id))
	sum := md5.Sum(buf[:])

	bits := make([]string, 0, 24)
	for _, b := range sum[:3] {
		for shift := 7; shift >= 0; shift-- {
			if b>>uint(shift)&1 == 1 {
				bits = append(bits, "1")
			} else {
				bits = append(bits, "0")
			}
		}
	}

	return strings.Join(bits, ".")
}
