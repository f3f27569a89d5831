// Package board implements the bulletin-board engine: a chained Merkle
// forest that coalesces submitted leaves into perfect balanced binary
// trees and periodically seals them under a published root.
package board

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
)

// HashSize is the size of a SHA-256 digest in bytes.
const HashSize = 32

const (
	leafPrefix  byte = 0x00
	branchPrefix byte = 0x01
	rootPrefix  byte = 0x02
)

// Hash is a 32-byte SHA-256 digest, the key of every node in the forest.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash, useful as a sentinel in tests; it plays no
// role in the root preimage (see HashRoot).
var ZeroHash Hash

// String renders the hash as lowercase hex, the external representation
// mandated by spec §3.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// ParseHash decodes a lowercase-hex hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %q: got %d bytes, want %d", s, len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

func beTimestamp(ts uint64) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], ts)
	return b
}

// HashLeaf computes the hash of a Leaf node from its preimage
// 0x00 || timestamp_be8 || data.
func HashLeaf(timestamp uint64, data []byte) Hash {
	ts := beTimestamp(timestamp)
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(ts[:])
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashBranch computes the hash of a Branch node from its preimage
// 0x01 || left || right.
func HashBranch(left, right Hash) Hash {
	h := sha256.New()
	h.Write([]byte{branchPrefix})
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashRoot computes the hash of a PublishedRoot node from its preimage
// 0x02 || timestamp_be8 || prior_or_empty || elements_concat. prior_or_empty
// is prior's 32 bytes when set, or nothing at all for a genesis root — spec
// §3 calls it "zero bytes if none exists", meaning a zero-length slice, not
// a 32-byte all-zero filler; the normative scenario in §8.4 spells this out
// as 0x02 ‖ ts ‖ ‖ hAB ‖ hC, with nothing between ts and the elements.
func HashRoot(timestamp uint64, prior *Hash, elements []Hash) Hash {
	ts := beTimestamp(timestamp)
	h := sha256.New()
	h.Write([]byte{rootPrefix})
	h.Write(ts[:])
	if prior != nil {
		h.Write(prior[:])
	}
	for _, e := range elements {
		h.Write(e[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
