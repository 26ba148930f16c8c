package bftree

import (
	"github.com/samber/lo"
)

// MiniPage is a variable-size in-memory page that fronts exactly one
// leaf, buffering writes, positive read caches, and negative read caches
// until a merge reconciles it with its leaf. Its size grows by doubling
// from MiniPageMinSize up to MiniPageMaxSize; reaching the ceiling forces
// a merge.
type MiniPage struct {
	p        *page
	minSize  uint16
	maxSize  uint16
}

// newMiniPage creates an empty mini-page at the configured minimum size,
// fronting the leaf at leafOffset.
func newMiniPage(leafOffset int64, minSize, maxSize uint16) *MiniPage {
	return &MiniPage{
		p:       newPage(minSize, true, uint64(leafOffset)),
		minSize: minSize,
		maxSize: maxSize,
	}
}

func (m *MiniPage) leafOffset() int64 { return int64(m.p.meta.leafLink) }

func (m *MiniPage) binarySearch(key []byte) (recordMeta, []byte, bool) {
	return m.p.binarySearch(key)
}

func (m *MiniPage) insert(key, value []byte, rt RecordType) bool {
	if m.p.overwrite(key, value, rt) {
		return true
	}
	return m.p.insert(key, value, rt)
}

func (m *MiniPage) canFit(key, value []byte) bool {
	return m.p.projectedSize(len(key), len(value)) <= int(m.p.meta.nodeSize)
}

// nextSize returns the doubled node_size if it would still fit under
// maxSize, or 0 if the mini-page has already reached its ceiling and
// cannot grow further.
func (m *MiniPage) nextSize() uint16 {
	doubled := m.p.meta.nodeSize * 2
	if m.p.meta.nodeSize < m.maxSize && doubled <= m.maxSize {
		return doubled
	}
	return 0
}

// resize replaces the mini-page's capacity, preserving every record_meta
// and the heap verbatim: content is identical, only capacity changes.
func (m *MiniPage) resize(newSize uint16) {
	m.p.meta.nodeSize = newSize
}

// mergeResult is returned by merge when the leaf had to split to absorb
// the mini-page's dirty records.
type mergeResult struct {
	splitKey   []byte
	leftOffset int64
	rightOffset int64
}

// merge is the critical-path algorithm of SPEC_FULL.md §4.C. It loads the
// leaf this mini-page fronts, partitions mini-page records into Hot,
// Dirty and Discarded sets by ref_flag/type_flag, applies the Dirty set
// to the leaf (overwriting on duplicate key per §12.1, re-checking fit
// before every single record per §12.4), splitting the leaf if a dirty
// record no longer fits, then rebuilds the mini-page in place from the
// Hot set alone with every ref_flag cleared.
//
// rw provides the backing file; alloc supplies a fresh offset if a split
// occurs. On a non-split merge the leaf is flushed back to its own
// offset and merge returns (nil, nil): the mini-page has been rebuilt in
// place and the caller does nothing further. On a split, merge returns a
// mergeResult and leaves the mini-page UNREBUILT: per §4.C step 4, the
// caller is responsible for routing the split up to the parent inner
// node and the mapping table before any new mini-page is created.
func (m *MiniPage) merge(rw readerWriterAt, leafPageSize uint16, alloc *OffsetAllocator) (*mergeResult, error) {
	leaf, err := loadLeaf(rw, m.leafOffset(), leafPageSize)
	if err != nil {
		return nil, err
	}

	hot := lo.Filter(m.p.records, func(r recordMeta, _ int) bool {
		return r.refFlag == 1
	})
	dirty := lo.Filter(m.p.records, func(r recordMeta, _ int) bool {
		return r.refFlag == 0 && (r.typeFlag == Insert || r.typeFlag == Tombstone)
	})

	// Snapshot key/value bytes for dirty and hot records before any
	// mutation invalidates the mini-page's own heap slices.
	type kv struct {
		key, value []byte
		typeFlag   RecordType
	}
	dirtyKV := make([]kv, len(dirty))
	for i, r := range dirty {
		dirtyKV[i] = kv{key: cloneBytes(m.p.readKey(r)), value: cloneBytes(m.p.readValue(r)), typeFlag: r.typeFlag}
	}
	hotKV := make([]kv, len(hot))
	for i, r := range hot {
		hotKV[i] = kv{key: cloneBytes(m.p.readKey(r)), value: cloneBytes(m.p.readValue(r)), typeFlag: r.typeFlag}
	}

	for i, rec := range dirtyKV {
		switch rec.typeFlag {
		case Tombstone:
			leaf.remove(rec.key)
		case Insert:
			if leaf.canFit(rec.key, rec.value) {
				leaf.insert(rec.key, rec.value, Insert)
				continue
			}
			left, right, splitKey := leaf.split(leafPageSize)
			rightOffset, err := alloc.Next()
			if err != nil {
				return nil, err
			}
			leftOffset := m.leafOffset()

			route := func(key []byte) *LeafPage {
				if compareBytes(key, splitKey) >= 0 {
					return right
				}
				return left
			}

			route(rec.key).insert(rec.key, rec.value, Insert)
			for _, remaining := range dirtyKV[i+1:] {
				switch remaining.typeFlag {
				case Tombstone:
					route(remaining.key).remove(remaining.key)
				case Insert:
					route(remaining.key).insert(remaining.key, remaining.value, Insert)
				}
			}

			// Hot Insert/Tombstone records are never written to the leaf
			// below (the non-split path below re-seeds them straight back
			// into the rebuilt mini-page instead), but a split clears the
			// mini-page entirely in propagateSplit, so without applying
			// them here too a hot write would vanish with it.
			for _, hr := range hotKV {
				switch hr.typeFlag {
				case Tombstone:
					route(hr.key).remove(hr.key)
				case Insert:
					route(hr.key).insert(hr.key, hr.value, Insert)
				}
			}

			if err := left.flush(rw, leftOffset); err != nil {
				return nil, err
			}
			if err := right.flush(rw, rightOffset); err != nil {
				return nil, err
			}
			return &mergeResult{splitKey: splitKey, leftOffset: leftOffset, rightOffset: rightOffset}, nil
		}
	}

	if err := leaf.flush(rw, m.leafOffset()); err != nil {
		return nil, err
	}

	m.p.records = m.p.records[:0]
	m.p.heap = m.p.heap[:0]
	for _, rec := range hotKV {
		m.p.insert(rec.key, rec.value, rec.typeFlag)
	}
	for i := range m.p.records {
		m.p.records[i].refFlag = 0
	}
	return nil, nil
}

func cloneBytes(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// readerWriterAt composes io.ReaderAt and io.WriterAt; satisfied by
// *os.File. Named here so merge doesn't need to import os directly.
type readerWriterAt interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}
