package bftree

import (
	"fmt"
	"os"
	"sync/atomic"
)

// PageIDAllocator is the monotonic counter of SPEC_FULL.md §4.G: new
// logical page ids are handed out start, start+1, ... with no reuse.
type PageIDAllocator struct {
	next atomic.Uint64
}

func newPageIDAllocator(start pageID) *PageIDAllocator {
	a := &PageIDAllocator{}
	a.next.Store(uint64(start))
	return a
}

// Next returns a fresh, never-before-issued logical page id.
func (a *PageIDAllocator) Next() pageID {
	return pageID(a.next.Add(1) - 1)
}

func newInnerNodeIDAllocator(start innerNodeID) *PageIDAllocator {
	return newPageIDAllocator(pageID(start))
}

// OffsetAllocator resolves the get_next_offset() open question
// (SPEC_FULL.md §12.2): the next leaf offset is the current backing-file
// length, rounded up to LeafPageSize. It stats the file once at
// construction and then tracks allocations in memory, per spec.md §5's
// recommendation to keep a long-lived file handle rather than re-stat on
// every call.
type OffsetAllocator struct {
	leafPageSize int64
	next         atomic.Int64
}

// newOffsetAllocator seeds the allocator from f's current length.
func newOffsetAllocator(f *os.File, leafPageSize uint16) (*OffsetAllocator, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, newErr(KindIO, "alloc.newOffsetAllocator", fmt.Errorf("stat: %w", err))
	}
	size := info.Size()
	size = roundUp(size, int64(leafPageSize))
	a := &OffsetAllocator{leafPageSize: int64(leafPageSize)}
	a.next.Store(size)
	return a, nil
}

// Next returns a fresh leaf-page-aligned offset, never issued before.
func (a *OffsetAllocator) Next() (int64, error) {
	return a.next.Add(a.leafPageSize) - a.leafPageSize, nil
}

func roundUp(n, multiple int64) int64 {
	if multiple == 0 {
		return n
	}
	rem := n % multiple
	if rem == 0 {
		return n
	}
	return n + (multiple - rem)
}
