package board

import "context"

// Backend is the abstract persistence contract of spec §4.2. The engine
// never touches storage directly; it drives a Backend instead, so the same
// orchestration logic runs unchanged over an in-memory store, a flat-file
// journal, or a SQL database.
//
// Atomicity requirement: each single Put* call, and the PutPublished /
// SetPending pair invoked together during publication, must be
// crash-consistent as a unit. A concrete backend may implement
// PutPublished plus its parent updates plus the pending-forest reset as one
// transaction. backends/sqlstore stores the root, its element list and the
// pending-forest reset in one transaction; the parent updates remain
// separate SetParent calls.
type Backend interface {
	// PutLeaf stores a new Leaf. Returns a HashCollision error if hash is
	// already present.
	PutLeaf(ctx context.Context, hash Hash, timestamp uint64, data []byte) error

	// PutBranch stores a new Branch. Returns a HashCollision error if hash
	// is already present.
	PutBranch(ctx context.Context, hash, left, right Hash) error

	// PutPublished stores a new PublishedRoot and atomically sets it as
	// the latest published head.
	PutPublished(ctx context.Context, hash Hash, timestamp uint64, prior *Hash, elements []Hash) error

	// SetParent assigns the parent pointer of an existing Leaf or Branch.
	// Fails if a parent is already set or if child is absent.
	SetParent(ctx context.Context, child, parent Hash) error

	// GetNode retrieves a node by hash. Returns ErrUnknownHash if absent.
	// A censored Leaf resolves with Data == nil and Censored == true but
	// is otherwise intact.
	GetNode(ctx context.Context, hash Hash) (Node, error)

	// GetPending returns the current pending forest, in submission order.
	GetPending(ctx context.Context) ([]Hash, error)

	// SetPending atomically replaces the pending forest.
	SetPending(ctx context.Context, pending []Hash) error

	// GetLatestPublished returns the most recent published root hash, or
	// nil if none has been published yet.
	GetLatestPublished(ctx context.Context) (*Hash, error)

	// CensorLeaf drops a Leaf's Data field; the hash and parent pointer
	// are unchanged. Fails if hash does not resolve to a Leaf.
	CensorLeaf(ctx context.Context, hash Hash) error

	// VisitLeaves, VisitBranches and VisitRoots enumerate every stored
	// node of their kind, in the order the backend finds natural. fn
	// returning an error stops the walk and the error propagates.
	VisitLeaves(ctx context.Context, fn func(*LeafNode) error) error
	VisitBranches(ctx context.Context, fn func(*BranchNode) error) error
	VisitRoots(ctx context.Context, fn func(*PublishedRootNode) error) error

	// PutSignature persists the signature an Engine's Signer produced for
	// a published root, so it survives a restart and can be served back to
	// an observer. Overwrites any signature previously stored for the same
	// root hash (re-signing with a different key is the caller's choice to
	// make, not this store's to forbid).
	PutSignature(ctx context.Context, sig *SignedRoot) error

	// GetSignature retrieves the signature stored for a published root, or
	// nil if none has been recorded.
	GetSignature(ctx context.Context, root Hash) (*SignedRoot, error)
}
