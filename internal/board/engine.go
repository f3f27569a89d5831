package board

import (
	"context"
	"log"
	"sync"
	"time"
)

// Engine is the top-level value owning a Backend and the mutex that
// serializes every mutating operation, per spec §5: single-writer,
// concurrent-reader, no internal yields or background timers. Multiple
// Engines may coexist in the same process, each with its own backend.
type Engine struct {
	backend Backend
	mu      sync.RWMutex

	pending         []pendingEntry
	latestPublished *Hash

	// now is overridable for deterministic tests; defaults to wall-clock
	// seconds since epoch, matching spec §4.3's "monotonic-enough wall
	// clock" requirement.
	now func() time.Time

	// signer, when set, signs every PublishedRoot the instant it is
	// created (see SPEC_FULL.md §4.1). Optional: an Engine without a
	// signer is fully spec-compliant on hashes alone.
	signer *Signer
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithSigner attaches a Signer that co-signs every published root.
func WithSigner(s *Signer) EngineOption {
	return func(e *Engine) { e.signer = s }
}

// WithClock overrides the engine's time source; intended for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs an Engine over backend, rebuilding the in-memory
// pending-forest depth index from persisted state (spec §7: "Recovery on
// startup rebuilds in-memory indices... and fails loudly on invariant
// violation").
func NewEngine(ctx context.Context, backend Backend, opts ...EngineOption) (*Engine, error) {
	e := &Engine{backend: backend, now: func() time.Time { return time.Now() }}
	for _, opt := range opts {
		opt(e)
	}

	hashes, err := backend.GetPending(ctx)
	if err != nil {
		return nil, ErrBackendUnavailable(err)
	}
	entries, err := loadPending(ctx, backend, hashes)
	if err != nil {
		return nil, ErrInvariantViolation("failed to rebuild pending forest: " + err.Error())
	}
	if err := checkDepthStrictlyDecreasing(entries); err != nil {
		return nil, err
	}
	e.pending = entries

	latest, err := backend.GetLatestPublished(ctx)
	if err != nil {
		return nil, ErrBackendUnavailable(err)
	}
	e.latestPublished = latest

	log.Printf("[Board] Recovered engine: %d pending entries, latest published = %v", len(entries), hashOrNil(latest))
	return e, nil
}

func hashOrNil(h *Hash) interface{} {
	if h == nil {
		return nil
	}
	return h.String()
}

func checkDepthStrictlyDecreasing(entries []pendingEntry) error {
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Depth <= entries[i].Depth {
			return ErrInvariantViolation("pending forest is not depth-strictly-decreasing on recovery")
		}
	}
	return nil
}

// SubmitLeaf stores data as a new Leaf and folds it into the pending
// forest, coalescing equal-depth neighbours (spec §4.3).
func (e *Engine) SubmitLeaf(ctx context.Context, data []byte) (Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := uint64(e.now().Unix())
	h := HashLeaf(ts, data)

	if err := e.backend.PutLeaf(ctx, h, ts, data); err != nil {
		return Hash{}, err
	}

	entries := append(e.pending, pendingEntry{Hash: h, Depth: 0})
	merged, err := coalesce(ctx, e.backend, entries)
	if err != nil {
		return Hash{}, err
	}

	if err := e.backend.SetPending(ctx, hashesOf(merged)); err != nil {
		return Hash{}, ErrBackendUnavailable(err)
	}
	e.pending = merged

	log.Printf("[Board] submit_leaf: %s (pending size %d)", h, len(merged))
	return h, nil
}

// RequestNewPublishedRoot snapshots the pending forest, seals it under a
// new PublishedRoot, and resets the pending forest to empty (spec §4.4).
// The forest is not coalesced into a single branch at publication; every
// existing Leaf/Branch is parented directly by the new root.
func (e *Engine) RequestNewPublishedRoot(ctx context.Context) (Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		return Hash{}, ErrNothingToPublish()
	}

	elements := hashesOf(e.pending)
	ts := uint64(e.now().Unix())
	prior := e.latestPublished

	if prior != nil {
		if priorNode, err := e.backend.GetNode(ctx, *prior); err == nil {
			if root, ok := priorNode.(*PublishedRootNode); ok && ts < root.Timestamp {
				log.Printf("[WARN] Board: publication timestamp %d precedes prior root's %d; proceeding (no monotonicity enforced)", ts, root.Timestamp)
			}
		}
	}

	r := HashRoot(ts, prior, elements)
	if err := e.backend.PutPublished(ctx, r, ts, prior, elements); err != nil {
		return Hash{}, err
	}
	for _, el := range elements {
		if err := e.backend.SetParent(ctx, el, r); err != nil {
			return Hash{}, err
		}
	}
	if err := e.backend.SetPending(ctx, nil); err != nil {
		return Hash{}, ErrBackendUnavailable(err)
	}

	e.pending = nil
	e.latestPublished = &r

	if e.signer != nil {
		root := &PublishedRootNode{Hash: r, Timestamp: ts, Prior: prior, Elements: elements}
		signed, err := e.signer.SignRoot(root)
		if err != nil {
			log.Printf("[WARN] Board: failed to sign published root %s: %v", r, err)
		} else if err := e.backend.PutSignature(ctx, signed); err != nil {
			log.Printf("[WARN] Board: failed to persist signature for published root %s: %v", r, err)
		}
	}

	log.Printf("[Board] request_new_published_root: %s (%d elements, prior=%v)", r, len(elements), hashOrNil(prior))
	return r, nil
}

// GetPendingHashValues returns the current pending forest. Reads never
// mutate state.
func (e *Engine) GetPendingHashValues(ctx context.Context) ([]Hash, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return hashesOf(e.pending), nil
}

// GetMostRecentPublishedRoot returns the most recent published root, or
// nil if none exists yet.
func (e *Engine) GetMostRecentPublishedRoot(ctx context.Context) (*Hash, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latestPublished, nil
}

// GetHashInfo returns a node's source and parent pointer.
func (e *Engine) GetHashInfo(ctx context.Context, h Hash) (*HashInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	node, err := e.backend.GetNode(ctx, h)
	if err != nil {
		return nil, err
	}

	var parent *Hash
	switch n := node.(type) {
	case *LeafNode:
		parent = n.Parent
	case *BranchNode:
		parent = n.Parent
	case *PublishedRootNode:
		parent = nil
	}
	return &HashInfo{Hash: h, Source: node, Parent: parent}, nil
}

// CensorLeaf withholds a Leaf's data field; hash and parent linkage are
// untouched.
func (e *Engine) CensorLeaf(ctx context.Context, h Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, err := e.backend.GetNode(ctx, h)
	if err != nil {
		return err
	}
	if _, ok := node.(*LeafNode); !ok {
		return ErrInvariantViolation("censor_leaf: " + h.String() + " is not a Leaf")
	}
	if err := e.backend.CensorLeaf(ctx, h); err != nil {
		return err
	}
	log.Printf("[Board] censor_leaf: %s", h)
	return nil
}

// GetAllPublishedRoots walks the prior chain from the latest published
// root back to the first, returning them newest-first.
func (e *Engine) GetAllPublishedRoots(ctx context.Context) ([]Hash, error) {
	e.mu.RLock()
	cur := e.latestPublished
	e.mu.RUnlock()

	var roots []Hash
	for cur != nil {
		roots = append(roots, *cur)
		node, err := e.backend.GetNode(ctx, *cur)
		if err != nil {
			return nil, err
		}
		root, ok := node.(*PublishedRootNode)
		if !ok {
			return nil, ErrInvariantViolation("prior chain: " + cur.String() + " is not a PublishedRoot")
		}
		cur = root.Prior
	}
	return roots, nil
}

// GetSignedRoot returns the persisted signature for a published root, or
// nil if the root was never signed (no Signer configured at publication
// time). A hash the backend does not know returns the backend's
// UnknownHash error. Reads never mutate state, and this survives a
// restart: the signature comes from the Backend, not the in-process
// Signer's cache.
func (e *Engine) GetSignedRoot(ctx context.Context, root Hash) (*SignedRoot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, err := e.backend.GetNode(ctx, root); err != nil {
		return nil, err
	}
	return e.backend.GetSignature(ctx, root)
}

// Backend exposes the underlying Backend, for callers (archive export,
// verifier tests) that need direct enumeration access.
func (e *Engine) Backend() Backend { return e.backend }
