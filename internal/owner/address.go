// Package owner defines the identity under which entitlements are held.
package owner

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AddressLength is the number of bytes in an account address.
const AddressLength = 20

// ErrInvalidAddress is returned when a string is not a 0x-prefixed 20 byte hex address.
var ErrInvalidAddress = errors.New("invalid owner address")

// Address is a comparable account identity. Two addresses are the same owner iff
// their bytes are equal, regardless of how the hex was cased on input.
type Address [AddressLength]byte

// Zero is the all-zero address. It is a valid identity.
var Zero Address

// Parse accepts "0x" + 40 hex characters in any case. Mixed-case input must carry a
// valid checksum so a mistyped address is not silently accepted.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if len(s) != 2+2*AddressLength || !(strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	body := s[2:]
	raw, err := hex.DecodeString(body)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	var a Address
	copy(a[:], raw)

	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if a.Checksum() != "0x"+body {
			return Zero, fmt.Errorf("%w: bad checksum %q", ErrInvalidAddress, s)
		}
	}
	return a, nil
}

// MustParse is Parse for tests and constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Zero
}

// String renders the canonical lower-case form used as the storage key.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Checksum renders the mixed-case checksummed form: a hex letter is upper-cased when
// the matching nibble of keccak256(lowercase hex) is >= 8.
func (a Address) Checksum() string {
	lower := hex.EncodeToString(a[:])
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if nibble >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
