// Package archive exports a board's full history to the flat-file CSV
// format (SPEC_FULL.md §5) and optionally uploads an encrypted snapshot to
// S3-compatible storage, giving concrete form to the "download full
// history" capability every board must support.
package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
)

// Snapshot is a full export of a board's history: every Leaf, Branch and
// PublishedRoot, each as a CSV file in the same row format the flatfile
// backend uses on disk.
type Snapshot struct {
	Leaves   []byte
	Branches []byte
	Roots    []byte
}

// ExportSnapshot walks every node the backend knows about and renders the
// three CSV journals, using the same enumeration methods a Backend
// implementation exposes for exactly this purpose.
func ExportSnapshot(ctx context.Context, backend board.Backend) (*Snapshot, error) {
	var leavesBuf, branchesBuf, rootsBuf bytes.Buffer

	lw := csv.NewWriter(&leavesBuf)
	if err := backend.VisitLeaves(ctx, func(l *board.LeafNode) error {
		censoredField := "0"
		if l.Censored {
			censoredField = "1"
		}
		return lw.Write([]string{l.Hash.String(), strconv.FormatUint(l.Timestamp, 10), censoredField, hex.EncodeToString(l.Data)})
	}); err != nil {
		return nil, fmt.Errorf("archive: export leaves: %w", err)
	}
	lw.Flush()
	if err := lw.Error(); err != nil {
		return nil, fmt.Errorf("archive: flush leaves: %w", err)
	}

	bw := csv.NewWriter(&branchesBuf)
	if err := backend.VisitBranches(ctx, func(br *board.BranchNode) error {
		return bw.Write([]string{br.Hash.String(), br.Left.String(), br.Right.String()})
	}); err != nil {
		return nil, fmt.Errorf("archive: export branches: %w", err)
	}
	bw.Flush()
	if err := bw.Error(); err != nil {
		return nil, fmt.Errorf("archive: flush branches: %w", err)
	}

	rw := csv.NewWriter(&rootsBuf)
	if err := backend.VisitRoots(ctx, func(r *board.PublishedRootNode) error {
		row := []string{r.Hash.String(), strconv.FormatUint(r.Timestamp, 10)}
		if r.Prior != nil {
			row = append(row, r.Prior.String())
		} else {
			row = append(row, "")
		}
		for _, e := range r.Elements {
			row = append(row, e.String())
		}
		return rw.Write(row)
	}); err != nil {
		return nil, fmt.Errorf("archive: export roots: %w", err)
	}
	rw.Flush()
	if err := rw.Error(); err != nil {
		return nil, fmt.Errorf("archive: flush roots: %w", err)
	}

	return &Snapshot{Leaves: leavesBuf.Bytes(), Branches: branchesBuf.Bytes(), Roots: rootsBuf.Bytes()}, nil
}

// Encrypt seals a snapshot's three files into one NaCl secretbox-encrypted
// blob under key, so an archive bucket can be shared with an untrusted
// storage provider without exposing submitted content before publication
// (spec's confidentiality Non-goal covers only censorship of published
// data, not protection of the archival copy in transit).
func Encrypt(snap *Snapshot, key *[32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("archive: generate nonce: %w", err)
	}

	plaintext := marshalSnapshot(snap)
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)
	return sealed, nil
}

// Decrypt reverses Encrypt.
func Decrypt(sealed []byte, key *[32]byte) (*Snapshot, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("archive: sealed data too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("archive: decryption failed (wrong key or corrupted data)")
	}
	return unmarshalSnapshot(plaintext)
}

func marshalSnapshot(snap *Snapshot) []byte {
	var buf bytes.Buffer
	for _, section := range [][]byte{snap.Leaves, snap.Branches, snap.Roots} {
		var lenBytes [8]byte
		putUint64(lenBytes[:], uint64(len(section)))
		buf.Write(lenBytes[:])
		buf.Write(section)
	}
	return buf.Bytes()
}

func unmarshalSnapshot(data []byte) (*Snapshot, error) {
	sections := make([][]byte, 0, 3)
	for i := 0; i < 3; i++ {
		if len(data) < 8 {
			return nil, fmt.Errorf("archive: truncated snapshot")
		}
		n := getUint64(data[:8])
		data = data[8:]
		if uint64(len(data)) < n {
			return nil, fmt.Errorf("archive: truncated snapshot section")
		}
		sections = append(sections, data[:n])
		data = data[n:]
	}
	return &Snapshot{Leaves: sections[0], Branches: sections[1], Roots: sections[2]}, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Uploader pushes archive blobs to an S3-compatible bucket.
type Uploader struct {
	client *minio.Client
	bucket string
}

// NewUploader connects to an S3-compatible endpoint the way the teacher's
// storage.Service does: static credentials, optional TLS, bucket created
// on demand.
func NewUploader(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: create S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: create bucket: %w", err)
		}
	}

	return &Uploader{client: client, bucket: bucket}, nil
}

// Archiver ties a full export, optional encryption, and S3 upload into the
// single after-publication step an httpapi.Server invokes without knowing
// any of the storage or key-management detail.
type Archiver struct {
	backend  board.Backend
	uploader *Uploader
	key      *[32]byte
}

// NewArchiver builds an Archiver. key may be nil, in which case snapshots
// are uploaded unencrypted (acceptable for a private bucket; spec's
// confidentiality Non-goal covers only published-data censorship).
func NewArchiver(backend board.Backend, uploader *Uploader, key *[32]byte) *Archiver {
	return &Archiver{backend: backend, uploader: uploader, key: key}
}

// Archive exports the board's current full history and uploads it.
func (a *Archiver) Archive(ctx context.Context) error {
	snap, err := ExportSnapshot(ctx, a.backend)
	if err != nil {
		return err
	}

	var blob []byte
	if a.key != nil {
		blob, err = Encrypt(snap, a.key)
		if err != nil {
			return err
		}
	} else {
		blob = marshalSnapshot(snap)
	}

	key, err := a.uploader.Upload(ctx, blob)
	if err != nil {
		return err
	}
	log.Printf("[Storage] archived snapshot as %s (encrypted=%v)", key, a.key != nil)
	return nil
}

// Upload stores blob under a timestamped key and returns the object key.
func (u *Uploader) Upload(ctx context.Context, blob []byte) (string, error) {
	key := fmt.Sprintf("snapshots/%d.snap", time.Now().UnixNano())
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("archive: upload: %w", err)
	}
	log.Printf("[Storage] uploaded snapshot %s (%s)", key, humanize.Bytes(uint64(len(blob))))
	return key, nil
}

// Download retrieves a previously uploaded snapshot blob.
func (u *Uploader) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := u.client.GetObject(ctx, u.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: download: %w", err)
	}
	defer obj.Close()
	return io.ReadAll(obj)
}
