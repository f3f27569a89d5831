package board_test

import (
	"context"
	"testing"
	"time"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
	"github.com/kindlyrobotics/boardkeeper/internal/board/backends/memory"
)

func newTestEngine(t *testing.T) *board.Engine {
	t.Helper()
	clock := time.Unix(1_700_000_000, 0)
	e, err := board.NewEngine(context.Background(), memory.New(), board.WithClock(func() time.Time {
		defer func() { clock = clock.Add(time.Second) }()
		return clock
	}))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestSubmitLeafGrowsPendingForest(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.SubmitLeaf(ctx, []byte("first")); err != nil {
		t.Fatalf("SubmitLeaf: %v", err)
	}
	pending, err := e.GetPendingHashValues(ctx)
	if err != nil {
		t.Fatalf("GetPendingHashValues: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry after one submission, got %d", len(pending))
	}
}

func TestSubmitLeafCoalescesEqualDepth(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.SubmitLeaf(ctx, []byte("a")); err != nil {
		t.Fatalf("SubmitLeaf: %v", err)
	}
	if _, err := e.SubmitLeaf(ctx, []byte("b")); err != nil {
		t.Fatalf("SubmitLeaf: %v", err)
	}

	pending, err := e.GetPendingHashValues(ctx)
	if err != nil {
		t.Fatalf("GetPendingHashValues: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected two equal-depth leaves to coalesce into one branch, got %d pending entries", len(pending))
	}

	node, err := e.GetHashInfo(ctx, pending[0])
	if err != nil {
		t.Fatalf("GetHashInfo: %v", err)
	}
	if node.Source.Kind() != board.KindBranch {
		t.Errorf("expected coalesced entry to be a Branch, got %s", node.Source.Kind())
	}
}

func TestSubmitLeafDoesNotCoalesceUnequalDepth(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for i := 0; i < 3; i++ {
		if _, err := e.SubmitLeaf(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("SubmitLeaf %d: %v", i, err)
		}
	}

	pending, err := e.GetPendingHashValues(ctx)
	if err != nil {
		t.Fatalf("GetPendingHashValues: %v", err)
	}
	// Two leaves coalesce into one depth-1 branch; the third leaf (depth 0)
	// stays separate because depths no longer match.
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries (one branch, one leaf), got %d", len(pending))
	}
}

func TestRequestNewPublishedRootRejectsEmptyForest(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.RequestNewPublishedRoot(ctx); !board.IsKind(err, board.KindNothingToPublish) {
		t.Fatalf("expected KindNothingToPublish, got %v", err)
	}
}

func TestRequestNewPublishedRootEmptiesPending(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.SubmitLeaf(ctx, []byte("x")); err != nil {
		t.Fatalf("SubmitLeaf: %v", err)
	}
	if _, err := e.RequestNewPublishedRoot(ctx); err != nil {
		t.Fatalf("RequestNewPublishedRoot: %v", err)
	}

	pending, err := e.GetPendingHashValues(ctx)
	if err != nil {
		t.Fatalf("GetPendingHashValues: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected empty pending forest after publication, got %d entries", len(pending))
	}
}

func TestPublicationChainsToPrior(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.SubmitLeaf(ctx, []byte("epoch1")); err != nil {
		t.Fatalf("SubmitLeaf: %v", err)
	}
	first, err := e.RequestNewPublishedRoot(ctx)
	if err != nil {
		t.Fatalf("RequestNewPublishedRoot: %v", err)
	}

	if _, err := e.SubmitLeaf(ctx, []byte("epoch2")); err != nil {
		t.Fatalf("SubmitLeaf: %v", err)
	}
	second, err := e.RequestNewPublishedRoot(ctx)
	if err != nil {
		t.Fatalf("RequestNewPublishedRoot: %v", err)
	}

	info, err := e.GetHashInfo(ctx, second)
	if err != nil {
		t.Fatalf("GetHashInfo: %v", err)
	}
	root, ok := info.Source.(*board.PublishedRootNode)
	if !ok {
		t.Fatalf("expected a PublishedRootNode, got %T", info.Source)
	}
	if root.Prior == nil || *root.Prior != first {
		t.Errorf("second root does not chain to first: got prior %v, want %s", root.Prior, first)
	}
}

func TestCensorLeafPreservesHashAndProof(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	leaf, err := e.SubmitLeaf(ctx, []byte("sensitive"))
	if err != nil {
		t.Fatalf("SubmitLeaf: %v", err)
	}
	if _, err := e.RequestNewPublishedRoot(ctx); err != nil {
		t.Fatalf("RequestNewPublishedRoot: %v", err)
	}

	chainBefore, err := e.GetProofChain(ctx, leaf)
	if err != nil {
		t.Fatalf("GetProofChain before censor: %v", err)
	}
	okBefore, err := board.VerifyProofChain(leaf, chainBefore.Chain, chainBefore.PublishedRoot)
	if err != nil || !okBefore {
		t.Fatalf("proof chain did not verify before censorship: ok=%v err=%v", okBefore, err)
	}

	if err := e.CensorLeaf(ctx, leaf); err != nil {
		t.Fatalf("CensorLeaf: %v", err)
	}

	info, err := e.GetHashInfo(ctx, leaf)
	if err != nil {
		t.Fatalf("GetHashInfo after censor: %v", err)
	}
	leafNode, ok := info.Source.(*board.LeafNode)
	if !ok {
		t.Fatalf("expected LeafNode, got %T", info.Source)
	}
	if !leafNode.Censored || leafNode.Data != nil {
		t.Errorf("expected censored leaf with nil data, got censored=%v data=%v", leafNode.Censored, leafNode.Data)
	}
	if leafNode.Hash != leaf {
		t.Errorf("censorship changed the leaf's hash: got %s, want %s", leafNode.Hash, leaf)
	}

	chainAfter, err := e.GetProofChain(ctx, leaf)
	if err != nil {
		t.Fatalf("GetProofChain after censor: %v", err)
	}
	okAfter, err := board.VerifyProofChain(leaf, chainAfter.Chain, chainAfter.PublishedRoot)
	if err != nil || !okAfter {
		t.Fatalf("proof chain did not verify after censorship: ok=%v err=%v", okAfter, err)
	}
}

func TestRequestNewPublishedRootPersistsSignature(t *testing.T) {
	ctx := context.Background()
	signer, err := board.NewDilithiumSigner()
	if err != nil {
		t.Fatalf("NewDilithiumSigner: %v", err)
	}
	clock := time.Unix(1_700_000_000, 0)
	e, err := board.NewEngine(ctx, memory.New(),
		board.WithClock(func() time.Time {
			defer func() { clock = clock.Add(time.Second) }()
			return clock
		}),
		board.WithSigner(signer),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if _, err := e.SubmitLeaf(ctx, []byte("x")); err != nil {
		t.Fatalf("SubmitLeaf: %v", err)
	}
	root, err := e.RequestNewPublishedRoot(ctx)
	if err != nil {
		t.Fatalf("RequestNewPublishedRoot: %v", err)
	}

	signed, err := e.GetSignedRoot(ctx, root)
	if err != nil {
		t.Fatalf("GetSignedRoot: %v", err)
	}
	if signed == nil {
		t.Fatal("expected a persisted signature for the published root, got nil")
	}
	if signed.RootHash != root {
		t.Errorf("signature root hash mismatch: got %s, want %s", signed.RootHash, root)
	}

	pub, err := signer.PublicKeyBytes()
	if err != nil {
		t.Fatalf("PublicKeyBytes: %v", err)
	}
	ok, err := board.VerifySignedRoot(pub, signed)
	if err != nil {
		t.Fatalf("VerifySignedRoot: %v", err)
	}
	if !ok {
		t.Error("persisted signature does not verify against the signer's public key")
	}
}

func TestRecoveryRebuildsPendingDepths(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()

	e1, err := board.NewEngine(ctx, backend)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := e1.SubmitLeaf(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("SubmitLeaf: %v", err)
		}
	}
	before, err := e1.GetPendingHashValues(ctx)
	if err != nil {
		t.Fatalf("GetPendingHashValues: %v", err)
	}

	e2, err := board.NewEngine(ctx, backend)
	if err != nil {
		t.Fatalf("NewEngine on recovery: %v", err)
	}
	after, err := e2.GetPendingHashValues(ctx)
	if err != nil {
		t.Fatalf("GetPendingHashValues after recovery: %v", err)
	}

	if len(before) != len(after) {
		t.Fatalf("pending forest size changed across recovery: before %d, after %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("pending entry %d changed across recovery: before %s, after %s", i, before[i], after[i])
		}
	}
}
