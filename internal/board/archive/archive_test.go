package archive_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
	"github.com/kindlyrobotics/boardkeeper/internal/board/archive"
	"github.com/kindlyrobotics/boardkeeper/internal/board/backends/memory"
)

func TestExportSnapshotContainsSubmittedLeaf(t *testing.T) {
	ctx := context.Background()
	e, err := board.NewEngine(ctx, memory.New())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	leaf, err := e.SubmitLeaf(ctx, []byte("archived"))
	if err != nil {
		t.Fatalf("SubmitLeaf: %v", err)
	}
	if _, err := e.RequestNewPublishedRoot(ctx); err != nil {
		t.Fatalf("RequestNewPublishedRoot: %v", err)
	}

	snap, err := archive.ExportSnapshot(ctx, e.Backend())
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	if !bytes.Contains(snap.Leaves, []byte(leaf.String())) {
		t.Errorf("exported leaves.csv does not contain submitted leaf hash %s", leaf)
	}
	if len(snap.Roots) == 0 {
		t.Error("expected a non-empty roots.csv after publication")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	snap := &archive.Snapshot{
		Leaves:   []byte("leaf,rows\n"),
		Branches: []byte("branch,rows\n"),
		Roots:    []byte("root,rows\n"),
	}
	var key [32]byte
	copy(key[:], []byte("this is exactly 32 bytes long!!!"))

	sealed, err := archive.Encrypt(snap, &key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	opened, err := archive.Decrypt(sealed, &key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(opened.Leaves, snap.Leaves) || !bytes.Equal(opened.Branches, snap.Branches) || !bytes.Equal(opened.Roots, snap.Roots) {
		t.Error("decrypted snapshot does not match original")
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	snap := &archive.Snapshot{Leaves: []byte("x"), Branches: []byte("y"), Roots: []byte("z")}
	var key, wrongKey [32]byte
	copy(key[:], []byte("this is exactly 32 bytes long!!!"))
	copy(wrongKey[:], []byte("a completely different key here"))

	sealed, err := archive.Encrypt(snap, &key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := archive.Decrypt(sealed, &wrongKey); err == nil {
		t.Error("expected Decrypt with the wrong key to fail")
	}
}
