// Package hash implements the 20-byte SHA-1 hashes used by the BitTorrent
// protocol for info-hashes and peer ids.
package hash

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
)

// Size is the length of a hash in bytes.
const Size = 20

// Hash is the type of 20-byte hashes
type Hash []byte

func (hash Hash) String() string {
	if hash == nil {
		return "<nil>"
	}
	return hex.EncodeToString(hash)
}

func (hash Hash) Equal(h Hash) bool {
	if len(hash) != Size || len(h) != Size {
		panic("Hash has bad length")
	}
	for i := 0; i < Size; i++ {
		if hash[i] != h[i] {
			return false
		}
	}
	return true
}

// Sum returns the SHA-1 hash of data.
func Sum(data []byte) Hash {
	h := sha1.Sum(data)
	return h[:]
}

// Parse handles both hex and base-32 strings.
func Parse(s string) Hash {
	h, err := hex.DecodeString(s)
	if err == nil && len(h) == Size {
		return h
	}
	h, err = base32.StdEncoding.DecodeString(s)
	if err == nil && len(h) == Size {
		return h
	}
	return nil
}
