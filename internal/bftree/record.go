package bftree

import "fmt"

// RecordType tags every record held in a mini-page. Records at rest in a
// leaf page are implicitly Insert; the tag only matters while a record
// lives in a mini-page buffer.
type RecordType uint8

const (
	// Insert marks an unmerged write: the authoritative value for its key
	// until a merge moves it into the leaf.
	Insert RecordType = 0
	// Cache marks a positive read cache entry; its value matches the leaf.
	Cache RecordType = 1
	// Tombstone marks a deletion not yet merged into the leaf.
	Tombstone RecordType = 2
	// Phantom marks a negative cache entry: "this key is known absent".
	Phantom RecordType = 3
)

func (t RecordType) String() string {
	switch t {
	case Insert:
		return "Insert"
	case Cache:
		return "Cache"
	case Tombstone:
		return "Tombstone"
	case Phantom:
		return "Phantom"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Key and Value are opaque byte strings compared lexicographically.
type Key = []byte
type Value = []byte
