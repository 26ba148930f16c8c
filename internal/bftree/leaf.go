package bftree

import (
	"encoding/binary"
	"fmt"
	"io"
)

// LeafPage is a fixed-size, on-disk page backed by the codec in page.go.
// It is immutable in place: callers mutate an in-memory LeafPage and then
// flush it, either back to its own offset or, after a split, to two fresh
// offsets.
type LeafPage struct {
	p *page
}

// newLeafPage creates an empty leaf with the configured leaf page size.
func newLeafPage(leafPageSize uint16) *LeafPage {
	return &LeafPage{p: newPage(leafPageSize, false, 0)}
}

// loadLeaf reads a leaf page at offset from r, per the exact byte layout
// in SPEC_FULL.md §6: 12-byte header, then 8*record_count bytes of
// record metas, then exactly the heap bytes those metas reference. The
// in-memory node_size is always leafPageSize regardless of how many
// meaningful bytes were read.
func loadLeaf(r io.ReaderAt, offset int64, leafPageSize uint16) (*LeafPage, error) {
	var hdr [nodeMetaSize]byte
	if _, err := r.ReadAt(hdr[:], offset); err != nil {
		return nil, newErr(KindIO, "leaf.load", fmt.Errorf("read header at %d: %w", offset, err))
	}
	meta, err := unmarshalNodeMeta(hdr[:])
	if err != nil {
		return nil, newErr(KindDecode, "leaf.load", err)
	}
	if meta.isMini {
		return nil, newErr(KindDecode, "leaf.load", fmt.Errorf("page at %d is a mini-page, not a leaf", offset))
	}
	meta.nodeSize = leafPageSize

	metaBytes := make([]byte, recordMetaSize*int(meta.recordCount))
	if len(metaBytes) > 0 {
		if _, err := r.ReadAt(metaBytes, offset+nodeMetaSize); err != nil {
			return nil, newErr(KindIO, "leaf.load", fmt.Errorf("read record metas at %d: %w", offset, err))
		}
	}

	records := make([]recordMeta, meta.recordCount)
	heapLen := 0
	for i := range records {
		w := binary.LittleEndian.Uint64(metaBytes[i*recordMetaSize : (i+1)*recordMetaSize])
		records[i] = unmarshalRecordMeta(w)
		heapLen += int(records[i].keySize) + int(records[i].valueSize)
	}

	heap := make([]byte, heapLen)
	if heapLen > 0 {
		heapOffset := offset + nodeMetaSize + int64(len(metaBytes))
		if _, err := r.ReadAt(heap, heapOffset); err != nil {
			return nil, newErr(KindIO, "leaf.load", fmt.Errorf("read data heap at %d: %w", offset, err))
		}
	}

	return &LeafPage{p: &page{meta: meta, records: records, heap: heap}}, nil
}

// flush writes the leaf's header, record metas, and heap contiguously
// starting at offset. The leaf is assumed to occupy LeafPageSize bytes on
// disk; any bytes beyond the meaningful prefix are left untouched by this
// call and are never relied upon by the core.
func (l *LeafPage) flush(w io.WriterAt, offset int64) error {
	buf := l.p.marshal()
	if _, err := w.WriteAt(buf, offset); err != nil {
		return newErr(KindIO, "leaf.flush", fmt.Errorf("write at %d: %w", offset, err))
	}
	return nil
}

func (l *LeafPage) binarySearch(key []byte) (recordMeta, []byte, bool) {
	return l.p.binarySearch(key)
}

// insert applies SPEC_FULL.md §12.1's overwrite resolution: an existing
// key's value is replaced in place; otherwise a fresh record is appended.
func (l *LeafPage) insert(key, value []byte, rt RecordType) bool {
	if l.p.overwrite(key, value, rt) {
		return true
	}
	return l.p.insert(key, value, rt)
}

// remove deletes key from the leaf if present, returning whether it was
// found.
func (l *LeafPage) remove(key []byte) bool {
	idx := l.p.find(key)
	if idx < 0 {
		return false
	}
	l.p.removeAt(idx)
	return true
}

func (l *LeafPage) canFit(key, value []byte) bool {
	if idx := l.p.find(key); idx >= 0 {
		existing := l.p.records[idx]
		delta := len(value) - int(existing.valueSize)
		return l.p.currentSize()+delta <= int(l.p.meta.nodeSize)
	}
	return l.p.projectedSize(len(key), len(value)) <= int(l.p.meta.nodeSize)
}

func (l *LeafPage) recordCount() int { return len(l.p.records) }

// split divides the leaf's sorted records at mid = floor(record_count/2):
// left gets [0, mid), right gets [mid, record_count). split_key is the
// smallest key in right, the separator propagated to the parent inner
// node. Values are copied, not shared, and each half is built by
// re-inserting keys in order (already sorted, so order is preserved).
func (l *LeafPage) split(leafPageSize uint16) (left, right *LeafPage, splitKey []byte) {
	n := len(l.p.records)
	mid := n / 2

	left = newLeafPage(leafPageSize)
	right = newLeafPage(leafPageSize)
	for i := 0; i < mid; i++ {
		m := l.p.records[i]
		left.p.insert(l.p.readKey(m), l.p.readValue(m), m.typeFlag)
	}
	for i := mid; i < n; i++ {
		m := l.p.records[i]
		right.p.insert(l.p.readKey(m), l.p.readValue(m), m.typeFlag)
	}
	sk := l.p.readKey(l.p.records[mid])
	splitKey = make([]byte, len(sk))
	copy(splitKey, sk)
	return left, right, splitKey
}
