package bftree

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// nodeMetaSize is the fixed on-disk/in-memory size of a page's node_meta
// header, per the wire layout pinned in SPEC_FULL.md §6.
const nodeMetaSize = 12

// recordMetaSize is the fixed size of one packed record_meta entry.
const recordMetaSize = 8

// flag bits within node_meta byte [2].
const (
	flagPageKindMini uint8 = 1 << 1 // bit 1: 1 = mini-page, 0 = leaf
	flagSplit        uint8 = 1 << 0 // bit 0: split-in-progress marker
)

// nodeMeta is the 12-byte header shared by every page (mini or leaf).
type nodeMeta struct {
	nodeSize    uint16
	isMini      bool
	splitFlag   bool
	recordCount uint16
	leafLink    uint64 // low 48 bits significant; unused (0) on leaf pages
}

func (m nodeMeta) marshal() [nodeMetaSize]byte {
	var buf [nodeMetaSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], m.nodeSize)
	var flags uint8
	if m.isMini {
		flags |= flagPageKindMini
	}
	if m.splitFlag {
		flags |= flagSplit
	}
	buf[2] = flags
	buf[3] = 0 // padding, must be zero
	binary.LittleEndian.PutUint16(buf[4:6], m.recordCount)
	// leaf_link: low 48 bits, little-endian, stored across bytes [6:12].
	link := m.leafLink & 0x0000FFFFFFFFFFFF
	var linkBuf [8]byte
	binary.LittleEndian.PutUint64(linkBuf[:], link)
	copy(buf[6:12], linkBuf[0:6])
	return buf
}

func unmarshalNodeMeta(buf []byte) (nodeMeta, error) {
	if len(buf) < nodeMetaSize {
		return nodeMeta{}, fmt.Errorf("node_meta: short buffer (%d bytes)", len(buf))
	}
	var m nodeMeta
	m.nodeSize = binary.LittleEndian.Uint16(buf[0:2])
	flags := buf[2]
	m.isMini = flags&flagPageKindMini != 0
	m.splitFlag = flags&flagSplit != 0
	m.recordCount = binary.LittleEndian.Uint16(buf[4:6])
	var linkBuf [8]byte
	copy(linkBuf[0:6], buf[6:12])
	m.leafLink = binary.LittleEndian.Uint64(linkBuf[:])
	return m, nil
}

// recordMeta is one packed 8-byte (64-bit) directory entry. Bit layout,
// LSB-first, matches SPEC_FULL.md §4.A exactly except that lookahead is
// clipped to the 15 bits that actually fit in a 64-bit word (the source's
// own field widths sum to 65 bits); lookahead is reserved, always
// serialized as zero, and never interpreted.
type recordMeta struct {
	keySize   uint16 // 14 bits
	valueSize uint16 // 14 bits
	offset    uint32 // 16 bits, into data_heap
	typeFlag  RecordType
	isFence   bool
	refFlag   uint8 // 2 bits: clock-style recency mark
	lookahead uint16
}

const (
	bitsKeySize   = 14
	bitsValueSize = 14
	bitsOffset    = 16
	bitsTypeFlag  = 2
	bitsIsFence   = 1
	bitsRefFlag   = 2

	shiftKeySize   = 0
	shiftValueSize = shiftKeySize + bitsKeySize   // 14
	shiftOffset    = shiftValueSize + bitsValueSize // 28
	shiftTypeFlag  = shiftOffset + bitsOffset       // 44
	shiftIsFence   = shiftTypeFlag + bitsTypeFlag   // 46
	shiftRefFlag   = shiftIsFence + bitsIsFence     // 47
	shiftLookahead = shiftRefFlag + bitsRefFlag     // 49

	maskKeySize   = (1 << bitsKeySize) - 1
	maskValueSize = (1 << bitsValueSize) - 1
	maskOffset    = (1 << bitsOffset) - 1
	maskTypeFlag  = (1 << bitsTypeFlag) - 1
	maskRefFlag   = (1 << bitsRefFlag) - 1
)

// maxKeyOrValueSize is the largest key or value length representable in a
// 14-bit field.
const maxKeyOrValueSize = (1 << bitsKeySize) - 1

func (m recordMeta) marshal() uint64 {
	var w uint64
	w |= uint64(m.keySize&maskKeySize) << shiftKeySize
	w |= uint64(m.valueSize&maskValueSize) << shiftValueSize
	w |= uint64(m.offset&maskOffset) << shiftOffset
	w |= uint64(uint8(m.typeFlag)&maskTypeFlag) << shiftTypeFlag
	if m.isFence {
		w |= 1 << shiftIsFence
	}
	w |= uint64(m.refFlag&maskRefFlag) << shiftRefFlag
	// lookahead is reserved and always serialized as zero.
	return w
}

func unmarshalRecordMeta(w uint64) recordMeta {
	var m recordMeta
	m.keySize = uint16((w >> shiftKeySize) & maskKeySize)
	m.valueSize = uint16((w >> shiftValueSize) & maskValueSize)
	m.offset = uint32((w >> shiftOffset) & maskOffset)
	m.typeFlag = RecordType((w >> shiftTypeFlag) & maskTypeFlag)
	m.isFence = (w>>shiftIsFence)&1 != 0
	m.refFlag = uint8((w >> shiftRefFlag) & maskRefFlag)
	m.lookahead = 0
	return m
}

func (m recordMeta) marshalBytes() [recordMetaSize]byte {
	var buf [recordMetaSize]byte
	binary.LittleEndian.PutUint64(buf[:], m.marshal())
	return buf
}

// page is the codec-level entity described in SPEC_FULL.md §3: a header,
// a sorted slice of record metas, and an append-only data heap. Both
// LeafPage and MiniPage embed a page and add their own size/flush rules.
type page struct {
	meta    nodeMeta
	records []recordMeta // kept sorted by referenced key
	heap    []byte       // append-only: concatenated key||value pairs
}

func newPage(nodeSize uint16, isMini bool, leafLink uint64) *page {
	return &page{
		meta: nodeMeta{
			nodeSize: nodeSize,
			isMini:   isMini,
			leafLink: leafLink,
		},
	}
}

func (p *page) readKey(m recordMeta) []byte {
	return p.heap[m.offset : m.offset+uint32(m.keySize)]
}

func (p *page) readValue(m recordMeta) []byte {
	start := m.offset + uint32(m.keySize)
	return p.heap[start : start+uint32(m.valueSize)]
}

// projectedSize returns currentSize plus one more record_meta and a
// key/value of the given lengths.
func (p *page) projectedSize(keyLen, valueLen int) int {
	return nodeMetaSize + recordMetaSize*(len(p.records)+1) + len(p.heap) + keyLen + valueLen
}

// currentSize returns the header, record_meta and heap sizes as they
// stand now. The heap length includes any orphaned bytes left by
// overwrite or removeAt, so this equals the encoded size only once
// marshal has compacted the heap.
func (p *page) currentSize() int {
	return nodeMetaSize + recordMetaSize*len(p.records) + len(p.heap)
}

// insert appends key||value to the heap and splices a new record_meta into
// sorted position. It returns false without mutating the page if the
// projected size would exceed node_size, or if either field exceeds the
// 14-bit length limit.
func (p *page) insert(key, value []byte, rt RecordType) bool {
	if len(key) > maxKeyOrValueSize || len(value) > maxKeyOrValueSize {
		return false
	}
	if p.projectedSize(len(key), len(value)) > int(p.meta.nodeSize) {
		return false
	}
	offset := uint32(len(p.heap))
	p.heap = append(p.heap, key...)
	p.heap = append(p.heap, value...)
	m := recordMeta{
		keySize:   uint16(len(key)),
		valueSize: uint16(len(value)),
		offset:    offset,
		typeFlag:  rt,
		isFence:   false,
		refFlag:   0,
	}
	pos := sort.Search(len(p.records), func(i int) bool {
		return compareBytes(p.readKey(p.records[i]), key) >= 0
	})
	p.records = append(p.records, recordMeta{})
	copy(p.records[pos+1:], p.records[pos:])
	p.records[pos] = m
	p.meta.recordCount = uint16(len(p.records))
	return true
}

// binarySearch performs a classical lower-bound search for key. On a hit
// it sets ref_flag=1 on the matched record (a lookup side effect) and
// returns the matching record_meta and its value bytes. It never mutates
// on a miss.
func (p *page) binarySearch(key []byte) (recordMeta, []byte, bool) {
	n := len(p.records)
	idx := sort.Search(n, func(i int) bool {
		return compareBytes(p.readKey(p.records[i]), key) >= 0
	})
	if idx >= n || compareBytes(p.readKey(p.records[idx]), key) != 0 {
		return recordMeta{}, nil, false
	}
	p.records[idx].refFlag = 1
	value := p.readValue(p.records[idx])
	cp := make([]byte, len(value))
	copy(cp, value)
	return p.records[idx], cp, true
}

// overwrite replaces the value and type of an existing record at key in
// place, leaving record_count unchanged (the duplicate-key resolution in
// SPEC_FULL.md §12.1). It returns false if key is absent or the new value
// does not fit without growing the heap beyond node_size.
func (p *page) overwrite(key, value []byte, rt RecordType) bool {
	n := len(p.records)
	idx := sort.Search(n, func(i int) bool {
		return compareBytes(p.readKey(p.records[i]), key) >= 0
	})
	if idx >= n || compareBytes(p.readKey(p.records[idx]), key) != 0 {
		return false
	}
	if len(value) > maxKeyOrValueSize {
		return false
	}
	existing := p.records[idx]
	delta := len(value) - int(existing.valueSize)
	if p.currentSize()+delta > int(p.meta.nodeSize) {
		return false
	}
	offset := uint32(len(p.heap))
	p.heap = append(p.heap, key...)
	p.heap = append(p.heap, value...)
	p.records[idx] = recordMeta{
		keySize:   uint16(len(key)),
		valueSize: uint16(len(value)),
		offset:    offset,
		typeFlag:  rt,
		isFence:   existing.isFence,
		refFlag:   existing.refFlag,
	}
	return true
}

// removeAt deletes the record at index idx, preserving sort order.
func (p *page) removeAt(idx int) {
	p.records = append(p.records[:idx], p.records[idx+1:]...)
	p.meta.recordCount = uint16(len(p.records))
}

// find returns the index of key in p.records, or -1 if absent. Unlike
// binarySearch it never mutates ref_flag.
func (p *page) find(key []byte) int {
	n := len(p.records)
	idx := sort.Search(n, func(i int) bool {
		return compareBytes(p.readKey(p.records[i]), key) >= 0
	})
	if idx >= n || compareBytes(p.readKey(p.records[idx]), key) != 0 {
		return -1
	}
	return idx
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// marshal encodes the full page (header, record metas, heap) in that
// order, as required by the on-disk leaf format in SPEC_FULL.md §6. It
// first compacts the heap, re-emitting each record's key||value in
// record order and reassigning offsets: overwrite() and removeAt() both
// leave orphaned bytes behind in p.heap, and loadLeaf computes its heap
// read length as the sum of live key/value sizes, not len(heap), so an
// uncompacted heap would desync offsets from what a reload expects.
func (p *page) marshal() []byte {
	p.meta.recordCount = uint16(len(p.records))

	heapLen := 0
	for _, m := range p.records {
		heapLen += int(m.keySize) + int(m.valueSize)
	}
	newHeap := make([]byte, 0, heapLen)
	for i := range p.records {
		key := p.readKey(p.records[i])
		value := p.readValue(p.records[i])
		p.records[i].offset = uint32(len(newHeap))
		newHeap = append(newHeap, key...)
		newHeap = append(newHeap, value...)
	}
	p.heap = newHeap

	out := make([]byte, 0, p.currentSize())
	hdr := p.meta.marshal()
	out = append(out, hdr[:]...)
	for _, m := range p.records {
		b := m.marshalBytes()
		out = append(out, b[:]...)
	}
	out = append(out, p.heap...)
	return out
}
