package board

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sync"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Signer co-signs published roots so an operator's commitments can be
// checked against a known public key, strengthening the accountability
// property from spec §1 without changing any hash preimage (see
// SPEC_FULL.md §4.1). An Engine without a Signer is fully spec-compliant
// on hashes alone.
type Signer struct {
	mu          sync.Mutex
	algorithm   string // "ed25519", "p256", or "dilithium3"
	fingerprint string

	ed25519Priv ed25519.PrivateKey
	ed25519Pub  ed25519.PublicKey

	ecdsaPriv *ecdsa.PrivateKey
	ecdsaPub  *ecdsa.PublicKey

	dilithiumPriv *mode3.PrivateKey
	dilithiumPub  *mode3.PublicKey

	signed map[Hash]*SignedRoot
}

// SignedRoot binds a PublishedRoot's hash to a signature over its
// canonical fields, so the signature cannot be replayed against a
// different epoch or root.
type SignedRoot struct {
	RootHash    Hash
	Timestamp   uint64
	TreeSize    int64
	Signature   []byte
	Algorithm   string
	Fingerprint string
}

// NewSignerFromPEM builds a Signer from a PEM-encoded Ed25519 or P-256
// private key, the same block types the teacher's transparency.NewSigner
// accepts.
func NewSignerFromPEM(privateKeyPEM []byte) (*Signer, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	s := &Signer{signed: make(map[Hash]*SignedRoot)}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		switch k := key.(type) {
		case ed25519.PrivateKey:
			s.algorithm = "ed25519"
			s.ed25519Priv = k
			s.ed25519Pub = k.Public().(ed25519.PublicKey)
		case *ecdsa.PrivateKey:
			if k.Curve != elliptic.P256() {
				return nil, fmt.Errorf("unsupported ECDSA curve: only P-256 is supported")
			}
			s.algorithm = "p256"
			s.ecdsaPriv = k
			s.ecdsaPub = &k.PublicKey
		default:
			return nil, fmt.Errorf("unsupported key type: %T", key)
		}
	case "ED25519 PRIVATE KEY":
		if len(block.Bytes) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid Ed25519 private key size")
		}
		s.algorithm = "ed25519"
		s.ed25519Priv = ed25519.PrivateKey(block.Bytes)
		s.ed25519Pub = s.ed25519Priv.Public().(ed25519.PublicKey)
	default:
		return nil, fmt.Errorf("unsupported PEM block type: %s", block.Type)
	}

	fp, err := s.computeFingerprint()
	if err != nil {
		return nil, err
	}
	s.fingerprint = fp
	return s, nil
}

// NewDilithiumSigner generates a fresh post-quantum signing key (CRYSTALS
// Dilithium, mode3), mirroring internal/crypto/pqc.go's choice
// of algorithm for the same reason: NIST-standardized, well-audited PQC.
func NewDilithiumSigner() (*Signer, error) {
	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dilithium key: %w", err)
	}
	s := &Signer{
		algorithm:     "dilithium3",
		dilithiumPriv: priv,
		dilithiumPub:  pub,
		signed:        make(map[Hash]*SignedRoot),
	}
	fp, err := s.computeFingerprint()
	if err != nil {
		return nil, err
	}
	s.fingerprint = fp
	return s, nil
}

// NewSignerFromEnv loads a signer from the BOARDKEEPER_SIGNING_KEY
// environment variable, which may name a PEM file path or carry PEM
// content directly (same convenience NewSignerFromEnv offers in the
// teacher's transparency package).
func NewSignerFromEnv() (*Signer, error) {
	keyData := os.Getenv("BOARDKEEPER_SIGNING_KEY")
	if keyData == "" {
		return nil, fmt.Errorf("BOARDKEEPER_SIGNING_KEY environment variable not set")
	}
	if _, err := os.Stat(keyData); err == nil {
		data, err := os.ReadFile(keyData)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		return NewSignerFromPEM(data)
	}
	return NewSignerFromPEM([]byte(keyData))
}

func (s *Signer) computeFingerprint() (string, error) {
	pub, err := s.PublicKeyBytes()
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(pub)
	return hex.EncodeToString(hash[:16]), nil
}

// PublicKeyBytes returns the raw public key material for this Signer, the
// same encoding VerifySignedRoot expects.
func (s *Signer) PublicKeyBytes() ([]byte, error) {
	switch s.algorithm {
	case "ed25519":
		return []byte(s.ed25519Pub), nil
	case "p256":
		return elliptic.Marshal(s.ecdsaPub.Curve, s.ecdsaPub.X, s.ecdsaPub.Y), nil
	case "dilithium3":
		return s.dilithiumPub.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", s.algorithm)
	}
}

// Algorithm returns the signing algorithm name.
func (s *Signer) Algorithm() string { return s.algorithm }

// Fingerprint returns the signing key's fingerprint.
func (s *Signer) Fingerprint() string { return s.fingerprint }

func signedData(root *PublishedRootNode) []byte {
	// epoch timestamp (8 bytes) || root hash (32 bytes) || tree size (8 bytes)
	data := make([]byte, 8+HashSize+8)
	binary.BigEndian.PutUint64(data[0:8], root.Timestamp)
	copy(data[8:8+HashSize], root.Hash[:])
	binary.BigEndian.PutUint64(data[8+HashSize:], uint64(len(root.Elements)))
	return data
}

// SignRoot signs a freshly published root and remembers the signature for
// later retrieval via SignatureFor.
func (s *Signer) SignRoot(root *PublishedRootNode) (*SignedRoot, error) {
	data := signedData(root)

	var sig []byte
	switch s.algorithm {
	case "ed25519":
		sig = ed25519.Sign(s.ed25519Priv, data)
	case "p256":
		h := sha256.Sum256(data)
		signature, err := ecdsa.SignASN1(rand.Reader, s.ecdsaPriv, h[:])
		if err != nil {
			return nil, fmt.Errorf("failed to sign root: %w", err)
		}
		sig = signature
	case "dilithium3":
		sig = make([]byte, mode3.SignatureSize)
		mode3.SignTo(s.dilithiumPriv, data, sig)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", s.algorithm)
	}

	signed := &SignedRoot{
		RootHash:    root.Hash,
		Timestamp:   root.Timestamp,
		TreeSize:    int64(len(root.Elements)),
		Signature:   sig,
		Algorithm:   s.algorithm,
		Fingerprint: s.fingerprint,
	}

	s.mu.Lock()
	s.signed[root.Hash] = signed
	s.mu.Unlock()
	return signed, nil
}

// SignatureFor returns the signature previously produced for a published
// root, if this Signer signed it.
func (s *Signer) SignatureFor(root Hash) (*SignedRoot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.signed[root]
	return sr, ok
}

// VerifySignedRoot independently verifies a SignedRoot against a raw
// public key, without needing a live Signer.
func VerifySignedRoot(publicKey []byte, signed *SignedRoot) (bool, error) {
	data := make([]byte, 8+HashSize+8)
	binary.BigEndian.PutUint64(data[0:8], signed.Timestamp)
	copy(data[8:8+HashSize], signed.RootHash[:])
	binary.BigEndian.PutUint64(data[8+HashSize:], uint64(signed.TreeSize))

	switch signed.Algorithm {
	case "ed25519":
		if len(publicKey) != ed25519.PublicKeySize {
			return false, fmt.Errorf("invalid ed25519 public key size")
		}
		return ed25519.Verify(ed25519.PublicKey(publicKey), data, signed.Signature), nil

	case "p256":
		pk, err := x509.ParsePKIXPublicKey(publicKey)
		var ecdsaPK *ecdsa.PublicKey
		if err != nil {
			x, y := elliptic.Unmarshal(elliptic.P256(), publicKey)
			if x == nil {
				return false, fmt.Errorf("invalid p256 public key encoding")
			}
			ecdsaPK = &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		} else {
			var ok bool
			ecdsaPK, ok = pk.(*ecdsa.PublicKey)
			if !ok {
				return false, fmt.Errorf("public key is not an ECDSA key")
			}
		}
		h := sha256.Sum256(data)
		return ecdsa.VerifyASN1(ecdsaPK, h[:], signed.Signature), nil

	case "dilithium3":
		if len(publicKey) != mode3.PublicKeySize {
			return false, fmt.Errorf("invalid dilithium3 public key size")
		}
		var pub mode3.PublicKey
		var arr [mode3.PublicKeySize]byte
		copy(arr[:], publicKey)
		pub.Unpack(&arr)
		return mode3.Verify(&pub, data, signed.Signature), nil

	default:
		return false, fmt.Errorf("unsupported algorithm: %s", signed.Algorithm)
	}
}
