package board

import "context"

// pendingEntry is an in-memory annotation over a pending-forest hash: its
// depth, so the coalescing loop can compare the last two entries without a
// backend round trip on every submission.
type pendingEntry struct {
	Hash  Hash
	Depth int
}

// loadPending reconstructs the pending-forest depth annotations from
// persisted nodes, per spec §9: depth is found by walking child pointers
// of each forest root down to a Leaf.
func loadPending(ctx context.Context, backend Backend, hashes []Hash) ([]pendingEntry, error) {
	entries := make([]pendingEntry, 0, len(hashes))
	for _, h := range hashes {
		depth, err := depthOf(ctx, backend, h)
		if err != nil {
			return nil, err
		}
		entries = append(entries, pendingEntry{Hash: h, Depth: depth})
	}
	return entries, nil
}

func depthOf(ctx context.Context, backend Backend, h Hash) (int, error) {
	depth := 0
	cur := h
	for {
		node, err := backend.GetNode(ctx, cur)
		if err != nil {
			return 0, err
		}
		branch, ok := node.(*BranchNode)
		if !ok {
			return depth, nil
		}
		depth++
		cur = branch.Left
	}
}

// coalesce merges the last two pending entries while they share equal
// depth, in the order spec §4.3 mandates: the earlier-inserted of the pair
// becomes the left child, restoring the depth-strictly-decreasing
// invariant after every submission.
func coalesce(ctx context.Context, backend Backend, entries []pendingEntry) ([]pendingEntry, error) {
	for len(entries) >= 2 {
		last := entries[len(entries)-1]
		prev := entries[len(entries)-2]
		if last.Depth != prev.Depth {
			break
		}
		l, r := prev.Hash, last.Hash
		b := HashBranch(l, r)
		if err := backend.PutBranch(ctx, b, l, r); err != nil {
			return nil, err
		}
		if err := backend.SetParent(ctx, l, b); err != nil {
			return nil, err
		}
		if err := backend.SetParent(ctx, r, b); err != nil {
			return nil, err
		}
		entries = entries[:len(entries)-2]
		entries = append(entries, pendingEntry{Hash: b, Depth: prev.Depth + 1})
	}
	return entries, nil
}

func hashesOf(entries []pendingEntry) []Hash {
	out := make([]Hash, len(entries))
	for i, e := range entries {
		out[i] = e.Hash
	}
	return out
}
