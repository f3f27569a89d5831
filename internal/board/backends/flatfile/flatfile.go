// Package flatfile implements board.Backend on top of a directory of
// append-only CSV journals, the on-disk format documented for interop in
// SPEC_FULL.md §5. Three journals (leaves.csv, branches.csv, roots.csv) hold
// one row per node; a fourth file, pending.json, holds the current pending
// forest. A fsnotify watch on the directory logs a warning for each write
// or file creation it sees; state is not reloaded from the files when an
// event arrives.
package flatfile

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
)

const (
	leavesFile     = "leaves.csv"
	branchesFile   = "branches.csv"
	rootsFile      = "roots.csv"
	pendingFile    = "pending.json"
	signaturesFile = "signatures.csv"
)

// Backend is a flat-file board.Backend rooted at a directory. All reads
// serve from an in-memory index built at Open time and kept current by
// every subsequent write; the CSV files exist for external tooling and
// crash recovery, not as the read path.
type Backend struct {
	dir string

	mu       sync.RWMutex
	leaves   map[board.Hash]*board.LeafNode
	branches map[board.Hash]*board.BranchNode
	roots    map[board.Hash]*board.PublishedRootNode
	leafOrder, branchOrder, rootOrder []board.Hash
	pending []board.Hash
	latest  *board.Hash

	signatures map[board.Hash]*board.SignedRoot

	leafFile, branchFile, rootFile, signatureFile *os.File

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open opens (creating if absent) a flatfile Backend rooted at dir.
func Open(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("flatfile: mkdir %s: %w", dir, err)
	}

	b := &Backend{
		dir:        dir,
		leaves:     make(map[board.Hash]*board.LeafNode),
		branches:   make(map[board.Hash]*board.BranchNode),
		roots:      make(map[board.Hash]*board.PublishedRootNode),
		signatures: make(map[board.Hash]*board.SignedRoot),
		done:       make(chan struct{}),
	}

	if err := b.loadLeaves(); err != nil {
		return nil, err
	}
	if err := b.loadBranches(); err != nil {
		return nil, err
	}
	if err := b.loadRoots(); err != nil {
		return nil, err
	}
	if err := b.loadPending(); err != nil {
		return nil, err
	}
	if err := b.loadSignatures(); err != nil {
		return nil, err
	}

	var err error
	b.leafFile, err = os.OpenFile(filepath.Join(dir, leavesFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flatfile: open %s: %w", leavesFile, err)
	}
	b.branchFile, err = os.OpenFile(filepath.Join(dir, branchesFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flatfile: open %s: %w", branchesFile, err)
	}
	b.rootFile, err = os.OpenFile(filepath.Join(dir, rootsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flatfile: open %s: %w", rootsFile, err)
	}
	b.signatureFile, err = os.OpenFile(filepath.Join(dir, signaturesFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flatfile: open %s: %w", signaturesFile, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[WARN] Board: flatfile watcher unavailable: %v", err)
	} else {
		if err := watcher.Add(dir); err != nil {
			log.Printf("[WARN] Board: failed to watch %s: %v", dir, err)
			watcher.Close()
		} else {
			b.watcher = watcher
			go b.watch()
		}
	}

	log.Printf("[Board] flatfile backend opened at %s: %d leaves, %d branches, %d roots", dir, len(b.leaves), len(b.branches), len(b.roots))
	return b, nil
}

// Close releases the journal file handles and stops the directory watcher.
func (b *Backend) Close() error {
	close(b.done)
	if b.watcher != nil {
		b.watcher.Close()
	}
	var errs []error
	for _, f := range []*os.File{b.leafFile, b.branchFile, b.rootFile, b.signatureFile} {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("flatfile: close errors: %v", errs)
	}
	return nil
}

// watch logs external writes to the journal directory. It does not reload
// state automatically: flatfile backends are meant to be owned by a single
// writer process, and a watcher firing here is a signal worth an operator's
// attention, not a routine occurrence.
func (b *Backend) watch() {
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Printf("[WARN] Board: unexpected external write to %s", event.Name)
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[WARN] Board: flatfile watcher error: %v", err)
		}
	}
}

func (b *Backend) loadLeaves() error {
	rows, err := readCSV(filepath.Join(b.dir, leavesFile))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if len(row) != 4 {
			return fmt.Errorf("flatfile: malformed leaves row: %v", row)
		}
		h, err := board.ParseHash(row[0])
		if err != nil {
			return fmt.Errorf("flatfile: leaves.csv: %w", err)
		}
		ts, err := strconv.ParseUint(row[1], 10, 64)
		if err != nil {
			return fmt.Errorf("flatfile: leaves.csv: bad timestamp: %w", err)
		}
		censored := row[2] == "1"
		var data []byte
		if !censored {
			data, err = decodeHexField(row[3])
			if err != nil {
				return fmt.Errorf("flatfile: leaves.csv: bad data field: %w", err)
			}
		}
		var parent *board.Hash
		b.leaves[h] = &board.LeafNode{Hash: h, Timestamp: ts, Data: data, Censored: censored, Parent: parent}
		b.leafOrder = append(b.leafOrder, h)
	}
	return nil
}

func (b *Backend) loadBranches() error {
	rows, err := readCSV(filepath.Join(b.dir, branchesFile))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if len(row) != 3 {
			return fmt.Errorf("flatfile: malformed branches row: %v", row)
		}
		h, err := board.ParseHash(row[0])
		if err != nil {
			return err
		}
		left, err := board.ParseHash(row[1])
		if err != nil {
			return err
		}
		right, err := board.ParseHash(row[2])
		if err != nil {
			return err
		}
		b.branches[h] = &board.BranchNode{Hash: h, Left: left, Right: right}
		b.branchOrder = append(b.branchOrder, h)
		b.setParentLocked(left, h)
		b.setParentLocked(right, h)
	}
	return nil
}

func (b *Backend) loadRoots() error {
	rows, err := readCSV(filepath.Join(b.dir, rootsFile))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if len(row) < 3 {
			return fmt.Errorf("flatfile: malformed roots row: %v", row)
		}
		h, err := board.ParseHash(row[0])
		if err != nil {
			return err
		}
		ts, err := strconv.ParseUint(row[1], 10, 64)
		if err != nil {
			return err
		}
		var prior *board.Hash
		if row[2] != "" {
			p, err := board.ParseHash(row[2])
			if err != nil {
				return err
			}
			prior = &p
		}
		var elements []board.Hash
		for _, field := range row[3:] {
			if field == "" {
				continue
			}
			eh, err := board.ParseHash(field)
			if err != nil {
				return err
			}
			elements = append(elements, eh)
			b.setParentLocked(eh, h)
		}
		b.roots[h] = &board.PublishedRootNode{Hash: h, Timestamp: ts, Prior: prior, Elements: elements}
		b.rootOrder = append(b.rootOrder, h)
		latest := h
		b.latest = &latest
	}
	return nil
}

func (b *Backend) setParentLocked(child, parent board.Hash) {
	p := parent
	if l, ok := b.leaves[child]; ok {
		l.Parent = &p
	}
	if br, ok := b.branches[child]; ok {
		br.Parent = &p
	}
}

func (b *Backend) loadPending() error {
	path := filepath.Join(b.dir, pendingFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("flatfile: read %s: %w", pendingFile, err)
	}
	var hexes []string
	if err := json.Unmarshal(data, &hexes); err != nil {
		return fmt.Errorf("flatfile: parse %s: %w", pendingFile, err)
	}
	for _, hx := range hexes {
		h, err := board.ParseHash(hx)
		if err != nil {
			return err
		}
		b.pending = append(b.pending, h)
	}
	return nil
}

// loadSignatures reads signatures.csv, one row per signed root:
// root_hash, algorithm, fingerprint, timestamp, tree_size, signature_hex.
func (b *Backend) loadSignatures() error {
	rows, err := readCSV(filepath.Join(b.dir, signaturesFile))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if len(row) != 6 {
			return fmt.Errorf("flatfile: malformed signatures row: %v", row)
		}
		root, err := board.ParseHash(row[0])
		if err != nil {
			return fmt.Errorf("flatfile: signatures.csv: %w", err)
		}
		ts, err := strconv.ParseUint(row[3], 10, 64)
		if err != nil {
			return fmt.Errorf("flatfile: signatures.csv: bad timestamp: %w", err)
		}
		treeSize, err := strconv.ParseInt(row[4], 10, 64)
		if err != nil {
			return fmt.Errorf("flatfile: signatures.csv: bad tree size: %w", err)
		}
		sig, err := decodeHexField(row[5])
		if err != nil {
			return fmt.Errorf("flatfile: signatures.csv: bad signature field: %w", err)
		}
		b.signatures[root] = &board.SignedRoot{
			RootHash:    root,
			Timestamp:   ts,
			TreeSize:    treeSize,
			Signature:   sig,
			Algorithm:   row[1],
			Fingerprint: row[2],
		}
	}
	return nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flatfile: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	return r.ReadAll()
}

func encodeHexField(data []byte) string {
	return hex.EncodeToString(data)
}

func decodeHexField(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	return hex.DecodeString(s)
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

	w := csv.NewWriter(b.leafFile)
	censoredField := "0"
	if err := w.Write([]string{hash.String(), strconv.FormatUint(timestamp, 10), censoredField, encodeHexField(data)}); err != nil {
		return board.ErrBackendUnavailable(err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return board.ErrBackendUnavailable(err)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	b.leaves[hash] = &board.LeafNode{Hash: hash, Timestamp: timestamp, Data: cp}
	b.leafOrder = append(b.leafOrder, hash)
	return nil
}

func (b *Backend) PutBranch(ctx context.Context, hash, left, right board.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exists(hash) {
		return board.ErrHashCollision(hash)
	}

	w := csv.NewWriter(b.branchFile)
	if err := w.Write([]string{hash.String(), left.String(), right.String()}); err != nil {
		return board.ErrBackendUnavailable(err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return board.ErrBackendUnavailable(err)
	}

	b.branches[hash] = &board.BranchNode{Hash: hash, Left: left, Right: right}
	b.branchOrder = append(b.branchOrder, hash)
	return nil
}

func (b *Backend) PutPublished(ctx context.Context, hash board.Hash, timestamp uint64, prior *board.Hash, elements []board.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exists(hash) {
		return board.ErrHashCollision(hash)
	}

	row := []string{hash.String(), strconv.FormatUint(timestamp, 10)}
	if prior != nil {
		row = append(row, prior.String())
	} else {
		row = append(row, "")
	}
	for _, e := range elements {
		row = append(row, e.String())
	}

	w := csv.NewWriter(b.rootFile)
	if err := w.Write(row); err != nil {
		return board.ErrBackendUnavailable(err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return board.ErrBackendUnavailable(err)
	}

	els := make([]board.Hash, len(elements))
	copy(els, elements)
	b.roots[hash] = &board.PublishedRootNode{Hash: hash, Timestamp: timestamp, Prior: prior, Elements: els}
	b.rootOrder = append(b.rootOrder, hash)

	h := hash
	b.latest = &h
	return nil
}

// SetParent does not append to a journal: the parent pointer is derivable
// from the branches.csv / roots.csv rows already written (a node's parent
// is whichever branch or root lists it as a child), so this only updates
// the in-memory index that buildProofChain walks.
func (b *Backend) SetParent(ctx context.Context, child, parent board.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := parent
	if l, ok := b.leaves[child]; ok {
		if l.Parent != nil {
			return board.ErrInvariantViolation("SetParent: " + child.String() + " already has a parent")
		}
		l.Parent = &p
		return nil
	}
	if br, ok := b.branches[child]; ok {
		if br.Parent != nil {
			return board.ErrInvariantViolation("SetParent: " + child.String() + " already has a parent")
		}
		br.Parent = &p
		return nil
	}
	return board.ErrUnknownHash(child)
}

func (b *Backend) GetNode(ctx context.Context, hash board.Hash) (board.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if l, ok := b.leaves[hash]; ok {
		cp := *l
		return &cp, nil
	}
	if br, ok := b.branches[hash]; ok {
		cp := *br
		return &cp, nil
	}
	if r, ok := b.roots[hash]; ok {
		cp := *r
		return &cp, nil
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

	hexes := make([]string, len(pending))
	for i, h := range pending {
		hexes[i] = h.String()
	}
	data, err := json.Marshal(hexes)
	if err != nil {
		return board.ErrBackendUnavailable(err)
	}
	tmp := filepath.Join(b.dir, pendingFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return board.ErrBackendUnavailable(err)
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, pendingFile)); err != nil {
		return board.ErrBackendUnavailable(err)
	}

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

// CensorLeaf rewrites the entire leaves.csv journal with the leaf's data
// field blanked, since a flat-file append log cannot redact a row in place.
func (b *Backend) CensorLeaf(ctx context.Context, hash board.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.leaves[hash]
	if !ok {
		return board.ErrUnknownHash(hash)
	}
	l.Data = nil
	l.Censored = true

	if err := b.rewriteLeavesLocked(); err != nil {
		return board.ErrBackendUnavailable(err)
	}
	return nil
}

func (b *Backend) rewriteLeavesLocked() error {
	tmp := filepath.Join(b.dir, leavesFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	for _, h := range b.leafOrder {
		l := b.leaves[h]
		censoredField := "0"
		if l.Censored {
			censoredField = "1"
		}
		if err := w.Write([]string{h.String(), strconv.FormatUint(l.Timestamp, 10), censoredField, encodeHexField(l.Data)}); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := b.leafFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, leavesFile)); err != nil {
		return err
	}
	newFile, err := os.OpenFile(filepath.Join(b.dir, leavesFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	b.leafFile = newFile
	return nil
}

// PutSignature appends a signature row, or rewrites the journal when one
// already exists for root (re-signing is rare enough that a full rewrite,
// the same trick CensorLeaf uses, is simpler than an in-place patch of an
// append-only file).
func (b *Backend) PutSignature(ctx context.Context, sig *board.SignedRoot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.roots[sig.RootHash]; !ok {
		return board.ErrUnknownHash(sig.RootHash)
	}

	cp := *sig
	cp.Signature = append([]byte(nil), sig.Signature...)

	if _, exists := b.signatures[sig.RootHash]; exists {
		b.signatures[sig.RootHash] = &cp
		if err := b.rewriteSignaturesLocked(); err != nil {
			return board.ErrBackendUnavailable(err)
		}
		return nil
	}

	row := []string{
		sig.RootHash.String(),
		sig.Algorithm,
		sig.Fingerprint,
		strconv.FormatUint(sig.Timestamp, 10),
		strconv.FormatInt(sig.TreeSize, 10),
		encodeHexField(sig.Signature),
	}
	w := csv.NewWriter(b.signatureFile)
	if err := w.Write(row); err != nil {
		return board.ErrBackendUnavailable(err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return board.ErrBackendUnavailable(err)
	}

	b.signatures[sig.RootHash] = &cp
	return nil
}

func (b *Backend) rewriteSignaturesLocked() error {
	tmp := filepath.Join(b.dir, signaturesFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	for _, h := range b.rootOrder {
		sig, ok := b.signatures[h]
		if !ok {
			continue
		}
		row := []string{
			sig.RootHash.String(),
			sig.Algorithm,
			sig.Fingerprint,
			strconv.FormatUint(sig.Timestamp, 10),
			strconv.FormatInt(sig.TreeSize, 10),
			encodeHexField(sig.Signature),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := b.signatureFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, signaturesFile)); err != nil {
		return err
	}
	newFile, err := os.OpenFile(filepath.Join(b.dir, signaturesFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	b.signatureFile = newFile
	return nil
}

// GetSignature retrieves the signature stored for root, or nil if none has
// been recorded.
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

func (b *Backend) VisitLeaves(ctx context.Context, fn func(*board.LeafNode) error) error {
	b.mu.RLock()
	order := append([]board.Hash(nil), b.leafOrder...)
	b.mu.RUnlock()

	for _, h := range order {
		b.mu.RLock()
		l, ok := b.leaves[h]
		var cp board.LeafNode
		if ok {
			cp = *l
		}
		b.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(&cp); err != nil {
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
		var cp board.BranchNode
		if ok {
			cp = *br
		}
		b.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(&cp); err != nil {
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
		var cp board.PublishedRootNode
		if ok {
			cp = *r
		}
		b.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(&cp); err != nil {
			return err
		}
	}
	return nil
}

var _ board.Backend = (*Backend)(nil)
