// Package memory implements board.Backend entirely in process memory. It is
// the reference backend: every other backend is expected to behave
// identically to this one for the same sequence of calls.
package memory

import (
	"context"
	"sync"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
)

type leafRecord struct {
	timestamp uint64
	data      []byte
	censored  bool
	parent    *board.Hash
}

type branchRecord struct {
	left, right board.Hash
	parent      *board.Hash
}

type rootRecord struct {
	timestamp uint64
	prior     *board.Hash
	elements  []board.Hash
}

// Backend is an in-memory board.Backend. The zero value is not usable; use
// New.
type Backend struct {
	mu sync.RWMutex

	leaves   map[board.Hash]*leafRecord
	branches map[board.Hash]*branchRecord
	roots    map[board.Hash]*rootRecord
	// rootOrder preserves insertion order for VisitRoots.
	rootOrder []board.Hash
	leafOrder []board.Hash
	branchOrder []board.Hash

	pending []board.Hash
	latest  *board.Hash

	signatures map[board.Hash]*board.SignedRoot
}

// New returns an empty in-memory Backend.
func New() *Backend {
	return &Backend{
		leaves:     make(map[board.Hash]*leafRecord),
		branches:   make(map[board.Hash]*branchRecord),
		roots:      make(map[board.Hash]*rootRecord),
		signatures: make(map[board.Hash]*board.SignedRoot),
	}
}

func (b *Backend) exists(h board.Hash) bool {
	if _, ok := b.leaves[h]; ok {
		return true
	}
	if _, ok := b.branches[h]; ok {
		return true
	}
	if _, ok := b.roots[h]; ok {
		return true
	}
	return false
}

func (b *Backend) PutLeaf(ctx context.Context, hash board.Hash, timestamp uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exists(hash) {
		return board.ErrHashCollision(hash)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.leaves[hash] = &leafRecord{timestamp: timestamp, data: cp}
	b.leafOrder = append(b.leafOrder, hash)
	return nil
}

func (b *Backend) PutBranch(ctx context.Context, hash, left, right board.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exists(hash) {
		return board.ErrHashCollision(hash)
	}
	b.branches[hash] = &branchRecord{left: left, right: right}
	b.branchOrder = append(b.branchOrder, hash)
	return nil
}

func (b *Backend) PutPublished(ctx context.Context, hash board.Hash, timestamp uint64, prior *board.Hash, elements []board.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exists(hash) {
		return board.ErrHashCollision(hash)
	}
	els := make([]board.Hash, len(elements))
	copy(els, elements)
	b.roots[hash] = &rootRecord{timestamp: timestamp, prior: prior, elements: els}
	b.rootOrder = append(b.rootOrder, hash)

	h := hash
	b.latest = &h
	return nil
}

func (b *Backend) SetParent(ctx context.Context, child, parent board.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := parent
	if l, ok := b.leaves[child]; ok {
		if l.parent != nil {
			return board.ErrInvariantViolation("SetParent: " + child.String() + " already has a parent")
		}
		l.parent = &p
		return nil
	}
	if br, ok := b.branches[child]; ok {
		if br.parent != nil {
			return board.ErrInvariantViolation("SetParent: " + child.String() + " already has a parent")
		}
		br.parent = &p
		return nil
	}
	return board.ErrUnknownHash(child)
}

func (b *Backend) GetNode(ctx context.Context, hash board.Hash) (board.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.getNodeLocked(hash)
}

func (b *Backend) getNodeLocked(hash board.Hash) (board.Node, error) {
	if l, ok := b.leaves[hash]; ok {
		var data []byte
		if !l.censored {
			data = l.data
		}
		return &board.LeafNode{Hash: hash, Timestamp: l.timestamp, Data: data, Censored: l.censored, Parent: l.parent}, nil
	}
	if br, ok := b.branches[hash]; ok {
		return &board.BranchNode{Hash: hash, Left: br.left, Right: br.right, Parent: br.parent}, nil
	}
	if r, ok := b.roots[hash]; ok {
		return &board.PublishedRootNode{Hash: hash, Timestamp: r.timestamp, Prior: r.prior, Elements: r.elements}, nil
	}
	return nil, board.ErrUnknownHash(hash)
}

func (b *Backend) GetPending(ctx context.Context) ([]board.Hash, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]board.Hash, len(b.pending))
	copy(out, b.pending)
	return out, nil
}

func (b *Backend) SetPending(ctx context.Context, pending []board.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append([]board.Hash(nil), pending...)
	return nil
}

func (b *Backend) GetLatestPublished(ctx context.Context) (*board.Hash, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return nil, nil
	}
	h := *b.latest
	return &h, nil
}

func (b *Backend) CensorLeaf(ctx context.Context, hash board.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.leaves[hash]
	if !ok {
		return board.ErrUnknownHash(hash)
	}
	l.data = nil
	l.censored = true
	return nil
}

func (b *Backend) VisitLeaves(ctx context.Context, fn func(*board.LeafNode) error) error {
	b.mu.RLock()
	order := append([]board.Hash(nil), b.leafOrder...)
	b.mu.RUnlock()

	for _, h := range order {
		b.mu.RLock()
		l, ok := b.leaves[h]
		if !ok {
			b.mu.RUnlock()
			continue
		}
		var data []byte
		if !l.censored {
			data = l.data
		}
		node := &board.LeafNode{Hash: h, Timestamp: l.timestamp, Data: data, Censored: l.censored, Parent: l.parent}
		b.mu.RUnlock()
		if err := fn(node); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) VisitBranches(ctx context.Context, fn func(*board.BranchNode) error) error {
	b.mu.RLock()
	order := append([]board.Hash(nil), b.branchOrder...)
	b.mu.RUnlock()

	for _, h := range order {
		b.mu.RLock()
		br, ok := b.branches[h]
		if !ok {
			b.mu.RUnlock()
			continue
		}
		node := &board.BranchNode{Hash: h, Left: br.left, Right: br.right, Parent: br.parent}
		b.mu.RUnlock()
		if err := fn(node); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) VisitRoots(ctx context.Context, fn func(*board.PublishedRootNode) error) error {
	b.mu.RLock()
	order := append([]board.Hash(nil), b.rootOrder...)
	b.mu.RUnlock()

	for _, h := range order {
		b.mu.RLock()
		r, ok := b.roots[h]
		if !ok {
			b.mu.RUnlock()
			continue
		}
		node := &board.PublishedRootNode{Hash: h, Timestamp: r.timestamp, Prior: r.prior, Elements: r.elements}
		b.mu.RUnlock()
		if err := fn(node); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) PutSignature(ctx context.Context, sig *board.SignedRoot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.roots[sig.RootHash]; !ok {
		return board.ErrUnknownHash(sig.RootHash)
	}
	cp := *sig
	cp.Signature = append([]byte(nil), sig.Signature...)
	b.signatures[sig.RootHash] = &cp
	return nil
}

func (b *Backend) GetSignature(ctx context.Context, root board.Hash) (*board.SignedRoot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sig, ok := b.signatures[root]
	if !ok {
		return nil, nil
	}
	cp := *sig
	cp.Signature = append([]byte(nil), sig.Signature...)
	return &cp, nil
}

var _ board.Backend = (*Backend)(nil)
