// Package sqlstore implements board.Backend over PostgreSQL. Nodes live in
// four tables: LEAF, BRANCH, PUBLISHED_ROOTS and PUBLISHED_ROOT_REFERENCES
// (the root/element join table, since a root's elements are a
// variable-length list); two more tables hold the pending forest and root
// signatures.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
)

// Schema is the DDL for the six tables. Callers run it once at startup
// (mirrors db.DB.RunMigrations's CREATE TABLE IF NOT EXISTS convention)
// rather than relying on a migration framework.
const Schema = `
CREATE TABLE IF NOT EXISTS leaf (
	hash        CHAR(64) PRIMARY KEY,
	timestamp   BIGINT NOT NULL,
	data        BYTEA,
	censored    BOOLEAN NOT NULL DEFAULT FALSE,
	parent_hash CHAR(64)
);

CREATE TABLE IF NOT EXISTS branch (
	hash        CHAR(64) PRIMARY KEY,
	left_hash   CHAR(64) NOT NULL,
	right_hash  CHAR(64) NOT NULL,
	parent_hash CHAR(64)
);

CREATE TABLE IF NOT EXISTS published_roots (
	hash       CHAR(64) PRIMARY KEY,
	timestamp  BIGINT NOT NULL,
	prior_hash CHAR(64),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS published_root_references (
	root_hash    CHAR(64) NOT NULL REFERENCES published_roots(hash),
	element_hash CHAR(64) NOT NULL,
	position     INTEGER NOT NULL,
	PRIMARY KEY (root_hash, position)
);

CREATE TABLE IF NOT EXISTS pending_forest (
	position INTEGER PRIMARY KEY,
	hash     CHAR(64) NOT NULL
);

CREATE TABLE IF NOT EXISTS published_root_signatures (
	root_hash   CHAR(64) PRIMARY KEY REFERENCES published_roots(hash),
	algorithm   TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	timestamp   BIGINT NOT NULL,
	tree_size   BIGINT NOT NULL,
	signature   BYTEA NOT NULL
);
`

// Backend is a PostgreSQL board.Backend.
type Backend struct {
	db *sql.DB
}

// Open connects to postgres at dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("sqlstore: schema: %w", err)
	}

	log.Println("[Board] sqlstore backend connected")
	return &Backend{db: db}, nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error { return b.db.Close() }

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the code raised when a PRIMARY KEY insert collides.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (b *Backend) PutLeaf(ctx context.Context, hash board.Hash, timestamp uint64, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO leaf (hash, timestamp, data, censored) VALUES ($1, $2, $3, FALSE)`,
		hash.String(), int64(timestamp), data)
	if isUniqueViolation(err) {
		return board.ErrHashCollision(hash)
	}
	if err != nil {
		return board.ErrBackendUnavailable(err)
	}
	return nil
}

func (b *Backend) PutBranch(ctx context.Context, hash, left, right board.Hash) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO branch (hash, left_hash, right_hash) VALUES ($1, $2, $3)`,
		hash.String(), left.String(), right.String())
	if isUniqueViolation(err) {
		return board.ErrHashCollision(hash)
	}
	if err != nil {
		return board.ErrBackendUnavailable(err)
	}
	return nil
}

func (b *Backend) PutPublished(ctx context.Context, hash board.Hash, timestamp uint64, prior *board.Hash, elements []board.Hash) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return board.ErrBackendUnavailable(err)
	}
	defer tx.Rollback()

	var priorStr sql.NullString
	if prior != nil {
		priorStr = sql.NullString{String: prior.String(), Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO published_roots (hash, timestamp, prior_hash) VALUES ($1, $2, $3)`,
		hash.String(), int64(timestamp), priorStr); err != nil {
		if isUniqueViolation(err) {
			return board.ErrHashCollision(hash)
		}
		return board.ErrBackendUnavailable(err)
	}

	for i, el := range elements {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO published_root_references (root_hash, element_hash, position) VALUES ($1, $2, $3)`,
			hash.String(), el.String(), i); err != nil {
			return board.ErrBackendUnavailable(err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_forest`); err != nil {
		return board.ErrBackendUnavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return board.ErrBackendUnavailable(err)
	}
	return nil
}

func (b *Backend) SetParent(ctx context.Context, child, parent board.Hash) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE leaf SET parent_hash = $1 WHERE hash = $2 AND parent_hash IS NULL`,
		parent.String(), child.String())
	if err != nil {
		return board.ErrBackendUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	res, err = b.db.ExecContext(ctx,
		`UPDATE branch SET parent_hash = $1 WHERE hash = $2 AND parent_hash IS NULL`,
		parent.String(), child.String())
	if err != nil {
		return board.ErrBackendUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists bool
	if err := b.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM leaf WHERE hash = $1 UNION SELECT 1 FROM branch WHERE hash = $1)`,
		child.String()).Scan(&exists); err != nil {
		return board.ErrBackendUnavailable(err)
	}
	if !exists {
		return board.ErrUnknownHash(child)
	}
	return board.ErrInvariantViolation("SetParent: " + child.String() + " already has a parent")
}

func (b *Backend) GetNode(ctx context.Context, hash board.Hash) (board.Node, error) {
	h := hash.String()

	var ts int64
	var data []byte
	var censored bool
	var parentHash sql.NullString
	err := b.db.QueryRowContext(ctx,
		`SELECT timestamp, data, censored, parent_hash FROM leaf WHERE hash = $1`, h).
		Scan(&ts, &data, &censored, &parentHash)
	if err == nil {
		return leafNode(hash, ts, data, censored, parentHash)
	}
	if err != sql.ErrNoRows {
		return nil, board.ErrBackendUnavailable(err)
	}

	var leftStr, rightStr string
	err = b.db.QueryRowContext(ctx,
		`SELECT left_hash, right_hash, parent_hash FROM branch WHERE hash = $1`, h).
		Scan(&leftStr, &rightStr, &parentHash)
	if err == nil {
		return branchNode(hash, leftStr, rightStr, parentHash)
	}
	if err != sql.ErrNoRows {
		return nil, board.ErrBackendUnavailable(err)
	}

	var priorStr sql.NullString
	err = b.db.QueryRowContext(ctx,
		`SELECT timestamp, prior_hash FROM published_roots WHERE hash = $1`, h).
		Scan(&ts, &priorStr)
	if err == sql.ErrNoRows {
		return nil, board.ErrUnknownHash(hash)
	}
	if err != nil {
		return nil, board.ErrBackendUnavailable(err)
	}

	elements, err := b.elementsOf(ctx, h)
	if err != nil {
		return nil, err
	}
	return rootNode(hash, ts, priorStr, elements)
}

func leafNode(hash board.Hash, ts int64, data []byte, censored bool, parentHash sql.NullString) (*board.LeafNode, error) {
	parent, err := parsePtr(parentHash)
	if err != nil {
		return nil, err
	}
	if censored {
		data = nil
	}
	return &board.LeafNode{Hash: hash, Timestamp: uint64(ts), Data: data, Censored: censored, Parent: parent}, nil
}

func branchNode(hash board.Hash, leftStr, rightStr string, parentHash sql.NullString) (*board.BranchNode, error) {
	left, err := board.ParseHash(leftStr)
	if err != nil {
		return nil, err
	}
	right, err := board.ParseHash(rightStr)
	if err != nil {
		return nil, err
	}
	parent, err := parsePtr(parentHash)
	if err != nil {
		return nil, err
	}
	return &board.BranchNode{Hash: hash, Left: left, Right: right, Parent: parent}, nil
}

func rootNode(hash board.Hash, ts int64, priorStr sql.NullString, elements []board.Hash) (*board.PublishedRootNode, error) {
	prior, err := parsePtr(priorStr)
	if err != nil {
		return nil, err
	}
	return &board.PublishedRootNode{Hash: hash, Timestamp: uint64(ts), Prior: prior, Elements: elements}, nil
}

func parsePtr(s sql.NullString) (*board.Hash, error) {
	if !s.Valid {
		return nil, nil
	}
	h, err := board.ParseHash(s.String)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (b *Backend) elementsOf(ctx context.Context, rootHash string) ([]board.Hash, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT element_hash FROM published_root_references WHERE root_hash = $1 ORDER BY position`, rootHash)
	if err != nil {
		return nil, board.ErrBackendUnavailable(err)
	}
	defer rows.Close()

	var out []board.Hash
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, board.ErrBackendUnavailable(err)
		}
		h, err := board.ParseHash(s)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (b *Backend) GetPending(ctx context.Context) ([]board.Hash, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT hash FROM pending_forest ORDER BY position`)
	if err != nil {
		return nil, board.ErrBackendUnavailable(err)
	}
	defer rows.Close()

	var out []board.Hash
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, board.ErrBackendUnavailable(err)
		}
		h, err := board.ParseHash(s)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (b *Backend) SetPending(ctx context.Context, pending []board.Hash) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return board.ErrBackendUnavailable(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_forest`); err != nil {
		return board.ErrBackendUnavailable(err)
	}
	for i, h := range pending {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_forest (position, hash) VALUES ($1, $2)`, i, h.String()); err != nil {
			return board.ErrBackendUnavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return board.ErrBackendUnavailable(err)
	}
	return nil
}

func (b *Backend) GetLatestPublished(ctx context.Context) (*board.Hash, error) {
	var s string
	err := b.db.QueryRowContext(ctx,
		`SELECT hash FROM published_roots ORDER BY created_at DESC LIMIT 1`).Scan(&s)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, board.ErrBackendUnavailable(err)
	}
	h, err := board.ParseHash(s)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (b *Backend) CensorLeaf(ctx context.Context, hash board.Hash) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE leaf SET data = NULL, censored = TRUE WHERE hash = $1`, hash.String())
	if err != nil {
		return board.ErrBackendUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return board.ErrUnknownHash(hash)
	}
	return nil
}

func (b *Backend) VisitLeaves(ctx context.Context, fn func(*board.LeafNode) error) error {
	rows, err := b.db.QueryContext(ctx,
		`SELECT hash, timestamp, data, censored, parent_hash FROM leaf ORDER BY timestamp`)
	if err != nil {
		return board.ErrBackendUnavailable(err)
	}
	defer rows.Close()

	for rows.Next() {
		var hs string
		var ts int64
		var data []byte
		var censored bool
		var parentHash sql.NullString
		if err := rows.Scan(&hs, &ts, &data, &censored, &parentHash); err != nil {
			return board.ErrBackendUnavailable(err)
		}
		h, err := board.ParseHash(hs)
		if err != nil {
			return err
		}
		node, err := leafNode(h, ts, data, censored, parentHash)
		if err != nil {
			return err
		}
		if err := fn(node); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *Backend) VisitBranches(ctx context.Context, fn func(*board.BranchNode) error) error {
	rows, err := b.db.QueryContext(ctx,
		`SELECT hash, left_hash, right_hash, parent_hash FROM branch`)
	if err != nil {
		return board.ErrBackendUnavailable(err)
	}
	defer rows.Close()

	for rows.Next() {
		var hs, leftStr, rightStr string
		var parentHash sql.NullString
		if err := rows.Scan(&hs, &leftStr, &rightStr, &parentHash); err != nil {
			return board.ErrBackendUnavailable(err)
		}
		h, err := board.ParseHash(hs)
		if err != nil {
			return err
		}
		node, err := branchNode(h, leftStr, rightStr, parentHash)
		if err != nil {
			return err
		}
		if err := fn(node); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *Backend) VisitRoots(ctx context.Context, fn func(*board.PublishedRootNode) error) error {
	rows, err := b.db.QueryContext(ctx,
		`SELECT hash, timestamp, prior_hash FROM published_roots ORDER BY created_at`)
	if err != nil {
		return board.ErrBackendUnavailable(err)
	}
	defer rows.Close()

	for rows.Next() {
		var hs string
		var ts int64
		var priorStr sql.NullString
		if err := rows.Scan(&hs, &ts, &priorStr); err != nil {
			return board.ErrBackendUnavailable(err)
		}
		h, err := board.ParseHash(hs)
		if err != nil {
			return err
		}
		elements, err := b.elementsOf(ctx, hs)
		if err != nil {
			return err
		}
		node, err := rootNode(h, ts, priorStr, elements)
		if err != nil {
			return err
		}
		if err := fn(node); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PutSignature persists a signature, replacing any previous one stored for
// the same root (an UPSERT, since re-signing with a new key is allowed).
func (b *Backend) PutSignature(ctx context.Context, sig *board.SignedRoot) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO published_root_signatures (root_hash, algorithm, fingerprint, timestamp, tree_size, signature)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (root_hash) DO UPDATE SET
		   algorithm = EXCLUDED.algorithm,
		   fingerprint = EXCLUDED.fingerprint,
		   timestamp = EXCLUDED.timestamp,
		   tree_size = EXCLUDED.tree_size,
		   signature = EXCLUDED.signature`,
		sig.RootHash.String(), sig.Algorithm, sig.Fingerprint, int64(sig.Timestamp), sig.TreeSize, sig.Signature)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return board.ErrUnknownHash(sig.RootHash)
		}
		return board.ErrBackendUnavailable(err)
	}
	return nil
}

// GetSignature retrieves the signature stored for root, or nil if none has
// been recorded.
func (b *Backend) GetSignature(ctx context.Context, root board.Hash) (*board.SignedRoot, error) {
	var algorithm, fingerprint string
	var ts int64
	var treeSize int64
	var signature []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT algorithm, fingerprint, timestamp, tree_size, signature FROM published_root_signatures WHERE root_hash = $1`,
		root.String()).Scan(&algorithm, &fingerprint, &ts, &treeSize, &signature)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, board.ErrBackendUnavailable(err)
	}
	return &board.SignedRoot{
		RootHash:    root,
		Timestamp:   uint64(ts),
		TreeSize:    treeSize,
		Signature:   signature,
		Algorithm:   algorithm,
		Fingerprint: fingerprint,
	}, nil
}

var _ board.Backend = (*Backend)(nil)
