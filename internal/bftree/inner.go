package bftree

import "sort"

// innerNodeID identifies a pinned, in-memory inner node. The root is
// always id 0. Per SPEC_FULL.md §9, the child-id space is partitioned by
// tagging: an innerChildRef names either another inner node or a leaf
// page id, never ambiguously.
type innerNodeID uint64

type childKind uint8

const (
	childIsInner childKind = iota
	childIsLeaf
)

// childRef tags a child pointer with its kind, resolving the "inner vs
// leaf id collision" ambiguity flagged in SPEC_FULL.md §9.
type childRef struct {
	kind  childKind
	inner innerNodeID
	leaf  pageID
}

// InnerNode is the in-memory router described in SPEC_FULL.md §4.E:
// sorted separator keys plus one more child than key.
type InnerNode struct {
	sortedKeys [][]byte
	children   []childRef
}

func newInnerNode(singleChild childRef) *InnerNode {
	return &InnerNode{children: []childRef{singleChild}}
}

// findChild returns the child responsible for key. A hit at index m
// routes to children[m+1]; a miss inserting at position left routes to
// children[left]. An empty sortedKeys always returns the single child.
func (n *InnerNode) findChild(key []byte) (childRef, bool) {
	if len(n.children) == 0 {
		return childRef{}, false
	}
	if len(n.sortedKeys) == 0 {
		return n.children[0], true
	}
	idx := sort.Search(len(n.sortedKeys), func(i int) bool {
		return compareBytes(n.sortedKeys[i], key) >= 0
	})
	if idx < len(n.sortedKeys) && compareBytes(n.sortedKeys[idx], key) == 0 {
		return n.children[idx+1], true
	}
	return n.children[idx], true
}

// insertSeparator inserts key at its binary-search position p and
// child_id at position p+1 in children, used when a split below
// propagates a new separator upward.
func (n *InnerNode) insertSeparator(key []byte, child childRef) {
	p := sort.Search(len(n.sortedKeys), func(i int) bool {
		return compareBytes(n.sortedKeys[i], key) >= 0
	})
	n.sortedKeys = append(n.sortedKeys, nil)
	copy(n.sortedKeys[p+1:], n.sortedKeys[p:])
	n.sortedKeys[p] = key

	n.children = append(n.children, childRef{})
	copy(n.children[p+2:], n.children[p+1:])
	n.children[p+1] = child
}
