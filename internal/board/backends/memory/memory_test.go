package memory_test

import (
	"context"
	"testing"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
	"github.com/kindlyrobotics/boardkeeper/internal/board/backends/memory"
)

func TestPutLeafRejectsDuplicateHash(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	h := board.HashLeaf(1, []byte("x"))
	if err := b.PutLeaf(ctx, h, 1, []byte("x")); err != nil {
		t.Fatalf("PutLeaf: %v", err)
	}
	if err := b.PutLeaf(ctx, h, 1, []byte("x")); !board.IsKind(err, board.KindHashCollision) {
		t.Errorf("expected KindHashCollision on duplicate PutLeaf, got %v", err)
	}
}

func TestGetNodeUnknownHash(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if _, err := b.GetNode(ctx, board.ZeroHash); !board.IsKind(err, board.KindUnknownHash) {
		t.Errorf("expected KindUnknownHash, got %v", err)
	}
}

func TestSetParentRejectsSecondAssignment(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	leaf := board.HashLeaf(1, []byte("x"))
	if err := b.PutLeaf(ctx, leaf, 1, []byte("x")); err != nil {
		t.Fatalf("PutLeaf: %v", err)
	}
	parent := board.HashBranch(leaf, leaf)
	if err := b.PutBranch(ctx, parent, leaf, leaf); err != nil {
		t.Fatalf("PutBranch: %v", err)
	}
	if err := b.SetParent(ctx, leaf, parent); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	if err := b.SetParent(ctx, leaf, parent); !board.IsKind(err, board.KindInvariantViolation) {
		t.Errorf("expected KindInvariantViolation on second SetParent, got %v", err)
	}
}

func TestCensorLeafClearsDataKeepsHash(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	leaf := board.HashLeaf(1, []byte("secret"))
	if err := b.PutLeaf(ctx, leaf, 1, []byte("secret")); err != nil {
		t.Fatalf("PutLeaf: %v", err)
	}
	if err := b.CensorLeaf(ctx, leaf); err != nil {
		t.Fatalf("CensorLeaf: %v", err)
	}

	node, err := b.GetNode(ctx, leaf)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	ln, ok := node.(*board.LeafNode)
	if !ok {
		t.Fatalf("expected *board.LeafNode, got %T", node)
	}
	if !ln.Censored || ln.Data != nil {
		t.Errorf("expected censored leaf with nil data, got censored=%v data=%v", ln.Censored, ln.Data)
	}
	if ln.Hash != leaf {
		t.Errorf("censorship changed the hash: got %s, want %s", ln.Hash, leaf)
	}
}

func TestPendingRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	want := []board.Hash{board.HashLeaf(1, []byte("a")), board.HashLeaf(2, []byte("b"))}
	if err := b.SetPending(ctx, want); err != nil {
		t.Fatalf("SetPending: %v", err)
	}
	got, err := b.GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("pending length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pending[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestVisitLeavesPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	var want []board.Hash
	for i := 0; i < 5; i++ {
		h := board.HashLeaf(uint64(i), []byte{byte(i)})
		if err := b.PutLeaf(ctx, h, uint64(i), []byte{byte(i)}); err != nil {
			t.Fatalf("PutLeaf %d: %v", i, err)
		}
		want = append(want, h)
	}

	var got []board.Hash
	if err := b.VisitLeaves(ctx, func(l *board.LeafNode) error {
		got = append(got, l.Hash)
		return nil
	}); err != nil {
		t.Fatalf("VisitLeaves: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("visited %d leaves, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("leaf order[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
