package board_test

import (
	"context"
	"testing"
	"time"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
	"github.com/kindlyrobotics/boardkeeper/internal/board/backends/memory"
)

func TestGetMerkleProofRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	e, err := board.NewEngine(ctx, memory.New(), board.WithClock(func() time.Time {
		defer func() { clock = clock.Add(time.Second) }()
		return clock
	}))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	var leaves []board.Hash
	for i := 0; i < 4; i++ {
		h, err := e.SubmitLeaf(ctx, []byte{byte('a' + i)})
		if err != nil {
			t.Fatalf("SubmitLeaf: %v", err)
		}
		leaves = append(leaves, h)
	}
	if _, err := e.RequestNewPublishedRoot(ctx); err != nil {
		t.Fatalf("RequestNewPublishedRoot: %v", err)
	}

	for _, leaf := range leaves {
		proof, err := e.GetMerkleProof(ctx, leaf)
		if err != nil {
			t.Fatalf("GetMerkleProof(%s): %v", leaf, err)
		}
		if !board.VerifyMerkleProof(proof) {
			t.Errorf("VerifyMerkleProof failed for leaf %s", leaf)
		}
	}
}

func TestGetProofChainUnpublishedHasNoRoot(t *testing.T) {
	ctx := context.Background()
	e, err := board.NewEngine(ctx, memory.New())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	leaf, err := e.SubmitLeaf(ctx, []byte("unpublished"))
	if err != nil {
		t.Fatalf("SubmitLeaf: %v", err)
	}

	chain, err := e.GetProofChain(ctx, leaf)
	if err != nil {
		t.Fatalf("GetProofChain: %v", err)
	}
	if chain.PublishedRoot != nil {
		t.Error("expected no PublishedRoot for an unpublished leaf")
	}
}

func TestGetMerkleProofRejectsUnpublished(t *testing.T) {
	ctx := context.Background()
	e, err := board.NewEngine(ctx, memory.New())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	leaf, err := e.SubmitLeaf(ctx, []byte("unpublished"))
	if err != nil {
		t.Fatalf("SubmitLeaf: %v", err)
	}

	if _, err := e.GetMerkleProof(ctx, leaf); !board.IsKind(err, board.KindInvariantViolation) {
		t.Errorf("expected KindInvariantViolation for unpublished leaf, got %v", err)
	}
}

func TestVerifyPriorChainDetectsTampering(t *testing.T) {
	r1 := &board.PublishedRootNode{Timestamp: 1, Elements: []board.Hash{board.HashLeaf(1, []byte("x"))}}
	r1.Hash = board.HashRoot(r1.Timestamp, r1.Prior, r1.Elements)

	priorHash := r1.Hash
	r2 := &board.PublishedRootNode{Timestamp: 2, Prior: &priorHash, Elements: []board.Hash{board.HashLeaf(2, []byte("y"))}}
	r2.Hash = board.HashRoot(r2.Timestamp, r2.Prior, r2.Elements)

	ok, err := board.VerifyPriorChain([]*board.PublishedRootNode{r2, r1})
	if err != nil || !ok {
		t.Fatalf("expected valid prior chain, got ok=%v err=%v", ok, err)
	}

	// Tamper with an element after the hash was computed; recomputing
	// should now disagree with the stored hash.
	r1.Elements[0] = board.HashLeaf(99, []byte("tampered"))
	ok, err = board.VerifyPriorChain([]*board.PublishedRootNode{r2, r1})
	if err == nil || ok {
		t.Fatal("expected tampering to be detected")
	}
}
