// Package digest provides the 32-bit content hash used to identify torrents
// and verify blocks.
package digest

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Size is the encoded width of a Hash in bytes.
const Size = 4

// Hash is a 32-bit content hash. It is the leading four bytes of the SHA-1
// digest of the hashed data, read big-endian.
type Hash uint32

// Sum hashes data.
func Sum(data []byte) Hash {
	sum := sha1.Sum(data)
	return Hash(binary.BigEndian.Uint32(sum[:Size]))
}

// SumString hashes the bytes of s.
func SumString(s string) Hash {
	return Sum([]byte(s))
}

// String formats h as 0x%08x, the form used on the wire.
func (h Hash) String() string {
	return fmt.Sprintf("0x%08x", uint32(h))
}

// Parse reads a hash in 0x%08x form. The 0x prefix is optional.
func Parse(s string) (Hash, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if digits == "" || len(digits) > 8 {
		return 0, fmt.Errorf("invalid hash %q", s)
	}
	v, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return Hash(v), nil
}

// Put writes h into the first Size bytes of b.
func (h Hash) Put(b []byte) {
	binary.BigEndian.PutUint32(b, uint32(h))
}

// Read decodes a hash from the first Size bytes of b.
func Read(b []byte) Hash {
	return Hash(binary.BigEndian.Uint32(b))
}
