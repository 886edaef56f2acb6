// Package rptree implements the rope-structured B+tree used to store one
// variable's byte stream: inner nodes key on cumulative byte offset rather
// than value, and leaves (DATA_LIST pages) hold raw payload bytes instead
// of key/value records. This gives O(log n) "seek to byte offset," the
// operation every read/write/insert/remove ultimately reduces to.
package rptree

import (
	"fmt"

	"github.com/lincketheo/numstore/internal/store"
)

// NodeUpdate is one (page, cumulative-key) pair emitted by a leaf-level
// change and consumed by the rebalance walk one level up. A set Tombstoned
// flag marks Pgno as a page that was merged away and must be unlinked from
// its parent rather than re-keyed; Key is unused in that case.
type NodeUpdate struct {
	Pgno       store.PGNO
	Key        store.BSize
	Tombstoned bool
}

// dlFreeSpace returns the number of unused payload bytes in a DATA_LIST
// buffer.
func dlFreeSpace(buf []byte) int {
	return store.DLDataSize(len(buf)) - int(store.DLUsed(buf))
}

// dlAppendFill copies as many bytes of data as fit in buf's remaining
// capacity, advancing Used, and returns the number consumed.
func dlAppendFill(buf []byte, data []byte) int {
	used := int(store.DLUsed(buf))
	n := dlFreeSpace(buf)
	if n > len(data) {
		n = len(data)
	}
	if n <= 0 {
		return 0
	}
	copy(store.DLCapacity(buf)[used:used+n], data[:n])
	store.SetDLUsed(buf, uint32(used+n))
	return n
}

// linkLeaves threads b after a in the sibling chain: a.next = b, b.prev =
// a. The caller is responsible for persisting both buffers.
func linkLeaves(aBuf []byte, aPgno store.PGNO, bBuf []byte, bPgno store.PGNO) {
	store.SetDLNext(aBuf, bPgno)
	store.SetDLPrev(bBuf, aPgno)
}

// rebuildInnerNode overwrites buf's children and keys from scratch, given
// the full ordered list of children and their individual (not cumulative)
// sizes. This is the only way cumulative keys are ever produced: always
// recomputed from actual child sizes, never patched incrementally.
func rebuildInnerNode(buf []byte, children []store.PGNO, sizes []store.BSize) {
	if len(children) != len(sizes) {
		panic("rebuildInnerNode: children/sizes length mismatch")
	}
	nkeys := len(children) - 1
	store.SetINNKeys(buf, nkeys)
	var cum store.BSize
	for i, child := range children {
		store.SetINChild(buf, i, child)
		if i < nkeys {
			cum += sizes[i]
			store.SetINKey(buf, i, cum)
		}
	}
}

// innerTotalSize returns the cumulative size of every child an INNER_NODE
// buffer currently names, given the rightmost child's size (the one value
// not implied by the stored keys).
func innerTotalSize(buf []byte, lastSize store.BSize) store.BSize {
	nkeys := store.INNKeys(buf)
	if nkeys == 0 {
		return lastSize
	}
	return store.INKey(buf, nkeys-1) + lastSize
}

// splitChildrenIntoChunks partitions an ordered (children, sizes) list into
// ceil(n/maxChildren) chunks, each holding at most maxChildren entries and
// sized as evenly as possible. Collapsing the source's three-way
// "three_in_pair" split to an N-way chunked one is a deliberate
// simplification (see DESIGN.md): both guarantee every resulting page obeys
// the INNER_NODE capacity, and both converge on the same steady-state
// fanout once rebalanced.
func splitChildrenIntoChunks(children []store.PGNO, sizes []store.BSize, maxChildren int) (childChunks [][]store.PGNO, sizeChunks [][]store.BSize) {
	if maxChildren < 1 {
		maxChildren = 1
	}
	n := len(children)
	numChunks := (n + maxChildren - 1) / maxChildren
	if numChunks < 1 {
		numChunks = 1
	}
	base := n / numChunks
	rem := n % numChunks
	childChunks = make([][]store.PGNO, numChunks)
	sizeChunks = make([][]store.BSize, numChunks)
	idx := 0
	for i := 0; i < numChunks; i++ {
		cnt := base
		if i < rem {
			cnt++
		}
		childChunks[i] = children[idx : idx+cnt]
		sizeChunks[i] = sizes[idx : idx+cnt]
		idx += cnt
	}
	return childChunks, sizeChunks
}

func errRPTreeInvalid(format string, args ...any) error {
	return store.Wrap(store.ErrRPTreeInvalid, fmt.Errorf(format, args...))
}
