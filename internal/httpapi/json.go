package httpapi

import (
	"encoding/hex"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
)

// nodeJSON renders a board.Node as one flat object: a "Kind" discriminator
// plus the fields relevant to that kind (leaf Data is hex-encoded). A
// plain map keeps the client contract independent of this repo's internal
// struct layout.
func nodeJSON(n board.Node) map[string]interface{} {
	switch v := n.(type) {
	case *board.LeafNode:
		out := map[string]interface{}{
			"Kind":      "Leaf",
			"Hash":      v.Hash.String(),
			"Timestamp": v.Timestamp,
			"Censored":  v.Censored,
		}
		if !v.Censored {
			out["Data"] = hex.EncodeToString(v.Data)
		}
		if v.Parent != nil {
			out["Parent"] = v.Parent.String()
		}
		return out

	case *board.BranchNode:
		out := map[string]interface{}{
			"Kind":  "Branch",
			"Hash":  v.Hash.String(),
			"Left":  v.Left.String(),
			"Right": v.Right.String(),
		}
		if v.Parent != nil {
			out["Parent"] = v.Parent.String()
		}
		return out

	case *board.PublishedRootNode:
		out := map[string]interface{}{
			"Kind":      "PublishedRoot",
			"Hash":      v.Hash.String(),
			"Timestamp": v.Timestamp,
			"Elements":  hashStrings(v.Elements),
		}
		if v.Prior != nil {
			out["Prior"] = v.Prior.String()
		}
		return out

	default:
		return map[string]interface{}{"Kind": "Unknown"}
	}
}

func chainElementJSON(e board.ChainElement) map[string]interface{} {
	out := nodeJSON(e.Node)
	out["Hash"] = e.Hash.String()
	return out
}

func proofChainJSON(chain *board.ProofChainResult) map[string]interface{} {
	elements := make([]map[string]interface{}, len(chain.Chain))
	for i, e := range chain.Chain {
		elements[i] = chainElementJSON(e)
	}
	out := map[string]interface{}{"Chain": elements}
	if chain.PublishedRoot != nil {
		out["PublishedRoot"] = chainElementJSON(*chain.PublishedRoot)
	}
	return out
}

// signedRootJSON renders a board.SignedRoot so an observer can fetch the
// signature independently of the process that produced it and verify it
// against the operator's known public key (SPEC_FULL.md §4.1).
func signedRootJSON(sig *board.SignedRoot) map[string]interface{} {
	return map[string]interface{}{
		"RootHash":    sig.RootHash.String(),
		"Timestamp":   sig.Timestamp,
		"TreeSize":    sig.TreeSize,
		"Signature":   hex.EncodeToString(sig.Signature),
		"Algorithm":   sig.Algorithm,
		"Fingerprint": sig.Fingerprint,
	}
}

func merkleProofJSON(proof *board.MerkleProof) map[string]interface{} {
	steps := make([]map[string]interface{}, len(proof.Steps))
	for i, s := range proof.Steps {
		steps[i] = map[string]interface{}{
			"Sibling":        s.Sibling.String(),
			"SiblingIsRight": s.SiblingIsRight,
		}
	}
	return map[string]interface{}{
		"Leaf":          proof.Leaf.String(),
		"Steps":         steps,
		"PublishedRoot": proof.PublishedRoot.String(),
		"Elements":      hashStrings(proof.Elements),
	}
}
