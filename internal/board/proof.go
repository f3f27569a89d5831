package board

import "context"

// ChainElement pairs a hash with its resolved node, the unit the proof
// builder and the JSON transport both work in.
type ChainElement struct {
	Hash Hash
	Node Node
}

// ProofChainResult is the answer to get_proof_chain (spec §4.5): the
// ascending sequence of nodes from the immediate parent of the queried
// hash up to (but not including) the enclosing PublishedRoot, plus the
// root itself if the node has been published.
type ProofChainResult struct {
	Chain         []ChainElement
	PublishedRoot *ChainElement
}

// GetProofChain walks parent pointers from hash upward until a
// PublishedRoot is reached or the walk runs out of parents (meaning hash
// is not yet published).
func (e *Engine) GetProofChain(ctx context.Context, hash Hash) (*ProofChainResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return buildProofChain(ctx, e.backend, hash)
}

func buildProofChain(ctx context.Context, backend Backend, hash Hash) (*ProofChainResult, error) {
	if _, err := backend.GetNode(ctx, hash); err != nil {
		return nil, err
	}

	result := &ProofChainResult{}
	cur := hash
	for {
		parent, err := parentOf(ctx, backend, cur)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return result, nil
		}

		node, err := backend.GetNode(ctx, *parent)
		if err != nil {
			return nil, err
		}
		if root, ok := node.(*PublishedRootNode); ok {
			result.PublishedRoot = &ChainElement{Hash: *parent, Node: root}
			return result, nil
		}

		result.Chain = append(result.Chain, ChainElement{Hash: *parent, Node: node})
		cur = *parent
	}
}

func parentOf(ctx context.Context, backend Backend, h Hash) (*Hash, error) {
	node, err := backend.GetNode(ctx, h)
	if err != nil {
		return nil, err
	}
	switch n := node.(type) {
	case *LeafNode:
		return n.Parent, nil
	case *BranchNode:
		return n.Parent, nil
	default:
		return nil, ErrInvariantViolation("parentOf: " + h.String() + " has no parent pointer (is a PublishedRoot)")
	}
}

// MerkleProofStep is one sibling hash and its side, as consumed by the
// legacy index-based proof API.
type MerkleProofStep struct {
	Sibling Hash
	// SiblingIsRight is true when Sibling is the right child of the
	// branch being reconstructed (i.e. the queried side is left).
	SiblingIsRight bool
}

// MerkleProof is the legacy sibling-list proof of spec §4.5/§9's Open
// Questions: a convenience view over GetProofChain, offered because a
// downstream consumer may already depend on positional proofs.
type MerkleProof struct {
	Leaf          Hash
	Steps         []MerkleProofStep
	PublishedRoot Hash
	Elements      []Hash
}

// GetMerkleProof builds the classical sibling-list proof for a leaf or
// branch hash already enclosed by a published root. It carries the same
// security property as GetProofChain: it is derived from the identical
// parent-pointer walk.
func (e *Engine) GetMerkleProof(ctx context.Context, hash Hash) (*MerkleProof, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	chain, err := buildProofChain(ctx, e.backend, hash)
	if err != nil {
		return nil, err
	}
	if chain.PublishedRoot == nil {
		return nil, ErrInvariantViolation("GetMerkleProof: " + hash.String() + " is not yet published")
	}

	proof := &MerkleProof{Leaf: hash, PublishedRoot: chain.PublishedRoot.Hash}
	root := chain.PublishedRoot.Node.(*PublishedRootNode)
	proof.Elements = root.Elements

	cur := hash
	for _, link := range chain.Chain {
		branch, ok := link.Node.(*BranchNode)
		if !ok {
			return nil, ErrInvariantViolation("GetMerkleProof: expected Branch in chain, got " + link.Node.Kind().String())
		}
		if branch.Left == cur {
			proof.Steps = append(proof.Steps, MerkleProofStep{Sibling: branch.Right, SiblingIsRight: true})
		} else {
			proof.Steps = append(proof.Steps, MerkleProofStep{Sibling: branch.Left, SiblingIsRight: false})
		}
		cur = link.Hash
	}
	return proof, nil
}
