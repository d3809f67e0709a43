// Package address derives the 32-byte coordinates records live at.
package address

import (
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/zeebo/blake3"

	"github.com/jacktea/xorstore/pkg/identity"
)

// XorNameSize is the length of every network address.
const XorNameSize = 32

// XorName is a point in the XOR metric space.
type XorName [XorNameSize]byte

type domainKey [32]byte

// Fixed domain keys for BLAKE3 keyed hashing. Changing them moves every
// record on the network.
var (
	contentDomainKey = domainKey{
		'x', 'o', 'r', 's', 't', 'o', 'r', 'e', '.', 'a', 'd', 'd', 'r', '.',
		'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	ownerDomainKey = domainKey{
		'x', 'o', 'r', 's', 't', 'o', 'r', 'e', '.', 'a', 'd', 'd', 'r', '.',
		'o', 'w', 'n', 'e', 'r', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// FromContent returns the address of immutable bytes.
func FromContent(data []byte) XorName {
	return keyedHash(contentDomainKey, data)
}

// FromOwner returns the address of records owned by pk.
func FromOwner(pk identity.PublicKey) XorName {
	return keyedHash(ownerDomainKey, pk[:])
}

func keyedHash(key domainKey, data []byte) XorName {
	// NewKeyed only fails on a wrong key length, which domainKey rules out.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("address: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var name XorName
	copy(name[:], hasher.Sum(nil))
	return name
}

// ParseXorName parses a 64-character hex string.
func ParseXorName(s string) (XorName, error) {
	var name XorName
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return name, fmt.Errorf("parsing xor name: %w", err)
	}
	if len(decoded) != XorNameSize {
		return name, fmt.Errorf("xor name is %d bytes, want %d", len(decoded), XorNameSize)
	}
	copy(name[:], decoded)
	return name, nil
}

// Hex returns the hex-encoded name.
func (x XorName) Hex() string { return hex.EncodeToString(x[:]) }

func (x XorName) String() string { return x.Hex() }

// Distance returns x XOR other.
func (x XorName) Distance(other XorName) XorName {
	var d XorName
	for i := range x {
		d[i] = x[i] ^ other[i]
	}
	return d
}

// CommonPrefixLen returns the number of leading bits x and other share.
func (x XorName) CommonPrefixLen(other XorName) int {
	for i := range x {
		if diff := x[i] ^ other[i]; diff != 0 {
			return i*8 + bits.LeadingZeros8(diff)
		}
	}
	return XorNameSize * 8
}

// Closer reports whether a is closer to x than b is.
func (x XorName) Closer(a, b XorName) bool {
	da, db := x.Distance(a), x.Distance(b)
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}
