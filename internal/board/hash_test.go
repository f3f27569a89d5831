package board

import (
	"bytes"
	"testing"

	sha256 "github.com/minio/sha256-simd"
)

func TestHashLeafDeterministic(t *testing.T) {
	h1 := HashLeaf(100, []byte("hello"))
	h2 := HashLeaf(100, []byte("hello"))
	if h1 != h2 {
		t.Errorf("HashLeaf not deterministic: %s != %s", h1, h2)
	}
}

func TestHashLeafDistinguishesTimestampAndData(t *testing.T) {
	base := HashLeaf(100, []byte("hello"))

	if HashLeaf(101, []byte("hello")) == base {
		t.Error("different timestamp produced same hash")
	}
	if HashLeaf(100, []byte("world")) == base {
		t.Error("different data produced same hash")
	}
}

func TestHashBranchOrderMatters(t *testing.T) {
	a := HashLeaf(1, []byte("a"))
	b := HashLeaf(2, []byte("b"))

	if HashBranch(a, b) == HashBranch(b, a) {
		t.Error("HashBranch is not order-sensitive")
	}
}

func TestHashRootDistinguishesPrior(t *testing.T) {
	elements := []Hash{HashLeaf(1, []byte("x"))}
	withoutPrior := HashRoot(100, nil, elements)

	prior := HashLeaf(2, []byte("prior"))
	withPrior := HashRoot(100, &prior, elements)

	if withoutPrior == withPrior {
		t.Error("prior pointer did not change the root hash")
	}
}

// TestHashRootGenesisPreimageIsByteExact pins HashRoot's no-prior case to
// spec §3/§8.4: prior_or_empty is a zero-length slice, not a 32-byte
// all-zero filler. Scenario §8.4 spells the genesis preimage as
// 0x02 ‖ ts ‖ ‖ hAB ‖ hC, with nothing between ts and the elements.
func TestHashRootGenesisPreimageIsByteExact(t *testing.T) {
	hA := HashLeaf(1, []byte("A"))
	hB := HashLeaf(2, []byte("B"))
	hC := HashLeaf(3, []byte("C"))
	hAB := HashBranch(hA, hB)
	elements := []Hash{hAB, hC}

	const ts = uint64(1000)
	got := HashRoot(ts, nil, elements)

	tsBytes := beTimestamp(ts)
	var preimage bytes.Buffer
	preimage.WriteByte(rootPrefix)
	preimage.Write(tsBytes[:])
	preimage.Write(hAB[:])
	preimage.Write(hC[:])

	sum := sha256.Sum256(preimage.Bytes())
	var want Hash
	copy(want[:], sum[:])

	if got != want {
		t.Errorf("genesis root preimage not byte-exact to spec §8.4: got %s, want %s", got, want)
	}
}

func TestParseHashRoundTrip(t *testing.T) {
	h := HashLeaf(42, []byte("round trip"))
	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != h {
		t.Errorf("round trip mismatch: got %s, want %s", parsed, h)
	}
}

func TestParseHashRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not hex", "zzzz"},
		{"too short", "aabbcc"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHash(tt.in); err == nil {
				t.Errorf("expected error for input %q", tt.in)
			}
		})
	}
}

func TestDomainSeparation(t *testing.T) {
	// A Leaf and a Branch built from coincidentally similar bytes must not
	// collide just because their preimages happen to share a prefix once
	// the domain byte is stripped off.
	ts := uint64(0)
	data := ZeroHash[:]
	leaf := HashLeaf(ts, data)
	branch := HashBranch(ZeroHash, ZeroHash)
	if leaf == branch {
		t.Error("Leaf and Branch hashes collided despite domain separation")
	}
}
