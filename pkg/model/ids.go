// Package model holds the value types shared by the
// shake core: addresses and object references, articles,
// reviews and the opaque ledger call format.
package model

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// addressLen is the byte length of ledger addresses and
// object ids.
const addressLen = 32

// Address identifies a wallet account.
type Address string

// ObjectID identifies a ledger object (article metadata,
// review, coin, registry).
type ObjectID string

// BlobID identifies a blob on the storage network.
type BlobID string

// Digest identifies a submitted transaction.
type Digest string

// ParseAddress normalises s to the canonical form: 0x
// prefix, lowercase, left-padded to 32 bytes.
func ParseAddress(s string) (Address, error) {
	norm, err := normalizeHex(s)
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", s, err)
	}
	return Address(norm), nil
}

// ParseObjectID normalises s like ParseAddress.
func ParseObjectID(s string) (ObjectID, error) {
	norm, err := normalizeHex(s)
	if err != nil {
		return "", fmt.Errorf("parse object id %q: %w", s, err)
	}
	return ObjectID(norm), nil
}

// Equal compares two addresses after normalisation.
// Unparseable addresses are compared verbatim.
func (a Address) Equal(other Address) bool {
	na, errA := normalizeHex(string(a))
	nb, errB := normalizeHex(string(other))
	if errA != nil || errB != nil {
		return a == other
	}
	return na == nb
}

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool {
	return a == ""
}

func (a Address) String() string { return string(a) }

func (id ObjectID) String() string { return string(id) }

// Equal compares two object ids after normalisation.
func (id ObjectID) Equal(other ObjectID) bool {
	return Address(id).Equal(Address(other))
}

// Bytes decodes the object id to its raw 32 bytes.
func (id ObjectID) Bytes() ([]byte, error) {
	norm, err := normalizeHex(string(id))
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(norm[2:])
}

func (b BlobID) String() string { return string(b) }

func normalizeHex(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return "", fmt.Errorf("empty hex value")
	}
	if len(s) > addressLen*2 {
		return "", fmt.Errorf(
			"hex value too long: %d chars", len(s),
		)
	}
	if _, err := hex.DecodeString(padEven(s)); err != nil {
		return "", fmt.Errorf("decode hex: %w", err)
	}
	return "0x" + strings.Repeat("0", addressLen*2-len(s)) + s, nil
}

func padEven(s string) string {
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}
