package board_test

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
)

func ed25519SignerPEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestSignerSignAndVerifyEd25519(t *testing.T) {
	signer, err := board.NewSignerFromPEM(ed25519SignerPEM(t))
	if err != nil {
		t.Fatalf("NewSignerFromPEM: %v", err)
	}

	root := &board.PublishedRootNode{
		Hash:      board.HashRoot(100, nil, []board.Hash{board.HashLeaf(1, []byte("x"))}),
		Timestamp: 100,
		Elements:  []board.Hash{board.HashLeaf(1, []byte("x"))},
	}

	signed, err := signer.SignRoot(root)
	if err != nil {
		t.Fatalf("SignRoot: %v", err)
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
		t.Error("expected signature to verify")
	}

	// A signature produced for a different root must not verify against
	// this root's signed fields.
	other := &board.PublishedRootNode{
		Hash:      board.HashRoot(200, nil, []board.Hash{board.HashLeaf(2, []byte("y"))}),
		Timestamp: 200,
		Elements:  []board.Hash{board.HashLeaf(2, []byte("y"))},
	}
	otherSigned, err := signer.SignRoot(other)
	if err != nil {
		t.Fatalf("SignRoot: %v", err)
	}
	forged := &board.SignedRoot{
		RootHash:    signed.RootHash,
		Timestamp:   signed.Timestamp,
		TreeSize:    signed.TreeSize,
		Signature:   otherSigned.Signature,
		Algorithm:   signed.Algorithm,
		Fingerprint: signed.Fingerprint,
	}
	ok, _ = board.VerifySignedRoot(pub, forged)
	if ok {
		t.Error("signature for a different root should not verify")
	}
}

func TestSignerFingerprintStable(t *testing.T) {
	pem := ed25519SignerPEM(t)
	s1, err := board.NewSignerFromPEM(pem)
	if err != nil {
		t.Fatalf("NewSignerFromPEM: %v", err)
	}
	s2, err := board.NewSignerFromPEM(pem)
	if err != nil {
		t.Fatalf("NewSignerFromPEM: %v", err)
	}
	if s1.Fingerprint() != s2.Fingerprint() {
		t.Error("fingerprint is not deterministic for the same key")
	}
}
