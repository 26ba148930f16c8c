package bftree

import (
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Tree is the façade binding the Page codec, Leaf page, Mini-page,
// Mapping table, and Inner node components into the GET/PUT state
// machines of SPEC_FULL.md §4.F. Per §5 it is single-threaded at its
// core; the mutex below is the coarse lock spec.md §5 itself suggests
// for callers that need concurrent access to one Tree.
type Tree struct {
	mu sync.Mutex

	cfg  Config
	file *os.File

	mapping    *MappingTable
	innerNodes map[innerNodeID]*InnerNode
	root       *InnerNode

	pageAlloc   *PageIDAllocator
	innerAlloc  *PageIDAllocator
	offsetAlloc *OffsetAllocator

	instanceID uuid.UUID
	randFloat  func() float64
}

// Open creates or opens the backing file named by cfg.Path and returns a
// ready-to-use Tree. Reopening a store that already holds data is not
// supported: inner nodes and the mapping table are pinned in memory only
// (spec.md §3) and are never persisted, so there is nothing on disk from
// which to reconstruct routing state on a second open.
func Open(cfg Config) (*Tree, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, newErr(KindIO, "tree.open", fmt.Errorf("open %s: %w", cfg.Path, err))
	}

	offsetAlloc, err := newOffsetAllocator(f, cfg.LeafPageSize)
	if err != nil {
		f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErr(KindIO, "tree.open", err)
	}

	t := &Tree{
		cfg:         cfg,
		file:        f,
		mapping:     newMappingTable(),
		innerNodes:  make(map[innerNodeID]*InnerNode),
		pageAlloc:   newPageIDAllocator(0),
		innerAlloc:  newInnerNodeIDAllocator(1),
		offsetAlloc: offsetAlloc,
		instanceID:  uuid.New(),
		randFloat:   rand.Float64,
	}

	if info.Size() != 0 {
		f.Close()
		return nil, newErr(KindIO, "tree.open", fmt.Errorf("%s is non-empty; reopening an existing bftree store is not supported (inner nodes are not persisted)", cfg.Path))
	}

	firstLeaf := newLeafPage(cfg.LeafPageSize)
	leafOffset, err := offsetAlloc.Next()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := firstLeaf.flush(f, leafOffset); err != nil {
		f.Close()
		return nil, err
	}

	rootLeafID := t.pageAlloc.Next()
	t.mapping.insert(rootLeafID, nil, leafOffset)
	t.root = newInnerNode(childRef{kind: childIsLeaf, leaf: rootLeafID})
	t.innerNodes[0] = t.root

	return t, nil
}

// Close releases the backing file handle.
func (t *Tree) Close() error {
	return t.file.Close()
}

// InstanceID identifies this Tree instance for logging and diagnostics
// (SPEC_FULL.md §11.1).
func (t *Tree) InstanceID() uuid.UUID { return t.instanceID }

// BackingFileSize reports the current size of the backing file.
func (t *Tree) BackingFileSize() (int64, error) {
	info, err := t.file.Stat()
	if err != nil {
		return 0, newErr(KindIO, "tree.backingFileSize", err)
	}
	return info.Size(), nil
}

// traverse walks from the root inner node to the leaf responsible for
// key, per spec.md §4.F's shared traversal. It returns the leaf's
// logical id, the last-level inner node that routed to it (needed to
// propagate a future split's separator), the leaf's current mini-page
// (nil if none), and the leaf's disk offset.
func (t *Tree) traverse(key []byte) (pageID, *InnerNode, *MiniPage, int64, error) {
	current := t.root
	for {
		ref, ok := current.findChild(key)
		if !ok {
			return 0, nil, nil, 0, newErr(KindNotRouted, "tree.traverse", nil)
		}
		if ref.kind == childIsInner {
			next, ok := t.innerNodes[ref.inner]
			if !ok {
				return 0, nil, nil, 0, newErr(KindNotRouted, "tree.traverse", fmt.Errorf("inner node %d missing", ref.inner))
			}
			current = next
			continue
		}
		mp, leafOffset, ok := t.mapping.get(ref.leaf)
		if !ok {
			return 0, nil, nil, 0, newErr(KindInvalidPageID, "tree.traverse", nil)
		}
		return ref.leaf, current, mp, leafOffset, nil
	}
}

// Get implements the GET state machine of spec.md §4.F.
func (t *Tree) Get(key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, parent, mp, leafOffset, err := t.traverse(key)
	if err != nil {
		return nil, err
	}

	if mp != nil {
		if m, val, hit := mp.binarySearch(key); hit {
			switch m.typeFlag {
			case Phantom, Tombstone:
				return nil, nil
			default:
				return val, nil
			}
		}
	}

	leaf, err := loadLeaf(t.file, leafOffset, t.cfg.LeafPageSize)
	if err != nil {
		return nil, err
	}

	_, val, hit := leaf.binarySearch(key)
	if hit {
		if t.randFloat() < t.cfg.PCache {
			if admitErr := t.admit(id, parent, key, val, Cache); admitErr != nil && !isCapacityExceeded(admitErr) {
				return nil, admitErr
			}
		}
		return val, nil
	}

	if t.randFloat() < t.cfg.PNeg {
		if admitErr := t.admit(id, parent, key, []byte{}, Phantom); admitErr != nil && !isCapacityExceeded(admitErr) {
			return nil, admitErr
		}
	}
	return nil, nil
}

// Put implements the PUT state machine of spec.md §4.F.
func (t *Tree) Put(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(key) > maxKeyOrValueSize || len(value) > maxKeyOrValueSize {
		return newErr(KindCapacityExceeded, "tree.put", nil)
	}

	id, parent, _, _, err := t.traverse(key)
	if err != nil {
		return err
	}
	return t.admit(id, parent, key, value, Insert)
}

// Delete inserts a Tombstone through the same admission pathway PUT
// uses, per spec.md §4.F's closing note.
func (t *Tree) Delete(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, parent, _, _, err := t.traverse(key)
	if err != nil {
		return err
	}
	return t.admit(id, parent, key, []byte{}, Tombstone)
}

// admit is the resize/merge admission loop shared by GET's cache/phantom
// insertion and PUT/Delete's write insertion, per spec.md §4.F steps 4
// and 2-3. It grows the mini-page fronting id until the record fits,
// merging when growth is exhausted, and propagating any split the merge
// produces before retrying once against a fresh mini-page.
func (t *Tree) admit(id pageID, parent *InnerNode, key, value []byte, rt RecordType) error {
	mp, leafOffset, ok := t.mapping.get(id)
	if !ok {
		return newErr(KindInvalidPageID, "tree.admit", nil)
	}
	fresh := false
	if mp == nil {
		mp = newMiniPage(leafOffset, t.cfg.MiniPageMinSize, t.cfg.MiniPageMaxSize)
		fresh = true
	}

	for {
		if mp.insert(key, value, rt) {
			if fresh {
				t.mapping.insert(id, mp, leafOffset)
			}
			return nil
		}

		if next := mp.nextSize(); next > 0 {
			mp.resize(next)
			continue
		}

		if len(mp.p.records) == 0 {
			// Nothing for the generic merge algorithm to apply: the
			// single record that doesn't fit is the only thing in
			// play. Per spec.md §4.F step 3, merge directly into the
			// leaf instead of rebuilding an empty mini-page.
			return t.insertDirectToLeaf(id, parent, key, value, rt)
		}

		if fresh {
			t.mapping.insert(id, mp, leafOffset)
			fresh = false
		}

		result, err := mp.merge(t.file, t.cfg.LeafPageSize, t.offsetAlloc)
		if err != nil {
			return err
		}
		if result != nil {
			if err := t.propagateSplit(id, parent, result); err != nil {
				return err
			}
			// The split may have moved key's range to the new right leaf,
			// so route again before retrying.
			id, parent, _, leafOffset, err = t.traverse(key)
			if err != nil {
				return err
			}
			mp = newMiniPage(leafOffset, t.cfg.MiniPageMinSize, t.cfg.MiniPageMaxSize)
			fresh = true
			continue
		}

		if mp.insert(key, value, rt) {
			return nil
		}
		return newErr(KindCapacityExceeded, "tree.admit", nil)
	}
}

// insertDirectToLeaf bypasses the mini-page entirely: it is reached only
// when a single (key, value) pair cannot be admitted into even a
// maximum-sized empty mini-page, so there is nothing useful the generic
// merge() algorithm could do with it.
func (t *Tree) insertDirectToLeaf(id pageID, parent *InnerNode, key, value []byte, rt RecordType) error {
	_, leafOffset, ok := t.mapping.get(id)
	if !ok {
		return newErr(KindInvalidPageID, "tree.insertDirectToLeaf", nil)
	}
	leaf, err := loadLeaf(t.file, leafOffset, t.cfg.LeafPageSize)
	if err != nil {
		return err
	}
	if leaf.insert(key, value, rt) {
		return leaf.flush(t.file, leafOffset)
	}
	if leaf.recordCount() == 0 {
		// The record does not fit even an empty leaf; there is nothing
		// to split.
		return newErr(KindCapacityExceeded, "tree.insertDirectToLeaf", nil)
	}

	left, right, splitKey := leaf.split(t.cfg.LeafPageSize)
	rightOffset, err := t.offsetAlloc.Next()
	if err != nil {
		return err
	}

	target := left
	if compareBytes(key, splitKey) >= 0 {
		target = right
	}
	if !target.insert(key, value, rt) {
		return newErr(KindCapacityExceeded, "tree.insertDirectToLeaf", nil)
	}

	if err := left.flush(t.file, leafOffset); err != nil {
		return err
	}
	if err := right.flush(t.file, rightOffset); err != nil {
		return err
	}
	return t.propagateSplit(id, parent, &mergeResult{splitKey: splitKey, leftOffset: leafOffset, rightOffset: rightOffset})
}

// propagateSplit applies a leaf split's effect to tree structure, per
// spec.md §4.C step 4: clear the stale mini-page at id (its leaf offset
// is unchanged — left overwrote it in place), allocate a fresh logical
// id for the new right leaf, register it in the mapping table, and
// insert the new separator into the routing inner node.
func (t *Tree) propagateSplit(id pageID, parent *InnerNode, result *mergeResult) error {
	if err := t.mapping.clearMiniPage(id); err != nil {
		return err
	}
	newID := t.pageAlloc.Next()
	t.mapping.insert(newID, nil, result.rightOffset)
	parent.insertSeparator(result.splitKey, childRef{kind: childIsLeaf, leaf: newID})
	return nil
}

// Sweep is the maintenance entry point used by internal/maintenance's
// background scheduler (SPEC_FULL.md §11.2, §14): it scans every present
// mapping-table slot and merges any mini-page at or above fullnessRatio
// of its current capacity, ahead of any PUT/GET needing to do so
// synchronously. It returns the number of mini-pages merged.
func (t *Tree) Sweep(fullnessRatio float64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	type candidate struct {
		id     pageID
		parent *InnerNode
	}
	var candidates []candidate
	t.mapping.forEach(func(id pageID, mp *MiniPage, _ int64) {
		if mp == nil {
			return
		}
		fullness := float64(mp.p.currentSize()) / float64(mp.p.meta.nodeSize)
		if fullness >= fullnessRatio {
			candidates = append(candidates, candidate{id: id})
		}
	})

	merged := 0
	for _, c := range candidates {
		mp, leafOffset, ok := t.mapping.get(c.id)
		if !ok || mp == nil {
			continue
		}
		parent, err := t.routingParent(leafOffset, c.id)
		if err != nil {
			return merged, err
		}
		result, err := mp.merge(t.file, t.cfg.LeafPageSize, t.offsetAlloc)
		if err != nil {
			return merged, err
		}
		if result != nil {
			if err := t.propagateSplit(c.id, parent, result); err != nil {
				return merged, err
			}
		}
		merged++
	}
	return merged, nil
}

// routingParent finds the inner node currently routing to leaf id. The
// tree has exactly one routing level in this core (spec.md §4.E defines
// no inner-node split), so the root always qualifies.
func (t *Tree) routingParent(_ int64, _ pageID) (*InnerNode, error) {
	return t.root, nil
}

func isCapacityExceeded(err error) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	}
	return e != nil && e.Kind == KindCapacityExceeded
}
