// Package merkletree implements the note commitment accumulator: a
// fixed-depth, append-only Merkle tree that retains only its frontier plus
// checkpoint "bridges" for explicitly marked leaves, rather than the full set
// of internal nodes.
package merkletree

import (
	"crypto/sha256"
	"fmt"
	"sync"
)

// Depth is the fixed depth of the note commitment tree.
const Depth = 32

// Hash is a tree node digest.
type Hash [32]byte

func hashPair(left, right Hash) Hash {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func emptyLeafHash() Hash {
	return sha256.Sum256([]byte("shielded-core/merkle/empty-leaf"))
}

// bridge is an in-progress authentication path for a marked leaf: siblings
// are filled in as later appends supply them.
type bridge struct {
	position uint64
	path     [Depth]Hash
	filled   [Depth]bool
}

func (b *bridge) clone() *bridge {
	c := *b
	return &c
}

// AuthPath is a completed authentication path: the sibling at each level from
// leaf to root.
type AuthPath struct {
	Position uint64
	Siblings [Depth]Hash
}

// Tree is the bridge-form note commitment accumulator. Its memory footprint
// is O(Depth) for the frontier plus O(Depth * marked leaves) for open
// bridges, independent of the number of leaves appended.
type Tree struct {
	mu              sync.Mutex
	size            uint64
	filledSubtrees  [Depth]Hash
	filledKnown     [Depth]bool
	emptyHash       [Depth + 1]Hash
	marks           map[uint64]*bridge
}

// New returns an empty tree.
func New() *Tree {
	t := &Tree{marks: make(map[uint64]*bridge)}
	t.emptyHash[0] = emptyLeafHash()
	for l := 1; l <= Depth; l++ {
		t.emptyHash[l] = hashPair(t.emptyHash[l-1], t.emptyHash[l-1])
	}
	return t
}

// Size returns the number of leaves appended so far.
func (t *Tree) Size() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Append inserts commitment as the next leaf. If mark is true, the tree
// begins tracking an authentication path for this position, completed as
// subsequent appends supply the remaining siblings. Append returns the
// leaf's position and the tree's root immediately after insertion.
func (t *Tree) Append(commitment Hash, mark bool) (position uint64, root Hash, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size >= 1<<Depth {
		return 0, Hash{}, fmt.Errorf("merkletree: tree is full at depth %d", Depth)
	}

	index := t.size
	if mark {
		t.marks[index] = &bridge{position: index}
	}

	cur := commitment
	for level := 0; level < Depth; level++ {
		idxAtLevel := index >> uint(level)
		nodeBefore := cur

		var left, right Hash
		if idxAtLevel%2 == 0 {
			left = cur
			right = t.emptyHash[level]
			t.filledSubtrees[level] = cur
			t.filledKnown[level] = true
		} else {
			if !t.filledKnown[level] {
				return 0, Hash{}, fmt.Errorf("merkletree: missing left sibling at level %d", level)
			}
			left = t.filledSubtrees[level]
			right = cur
		}

		t.supplyMarkSiblings(level, index, idxAtLevel, nodeBefore)

		cur = hashPair(left, right)
	}

	t.size++
	return index, cur, nil
}

// supplyMarkSiblings fills in, or refreshes, the sibling at `level` for every
// open bridge whose leaf shares a level-(level+1) ancestor with the leaf
// currently being appended.
func (t *Tree) supplyMarkSiblings(level int, index, idxAtLevel uint64, nodeBefore Hash) {
	for _, m := range t.marks {
		if (m.position >> uint(level+1)) != (index >> uint(level+1)) {
			continue
		}
		markIdxAtLevel := m.position >> uint(level)
		if markIdxAtLevel%2 == 0 {
			// m is the left child at this level; its sibling is the right
			// operand, available only once the current append is itself the
			// right child of the same parent. Every later append into that
			// right subtree changes its value, so it is overwritten each time.
			if idxAtLevel%2 == 1 {
				m.path[level] = nodeBefore
				m.filled[level] = true
			}
		} else {
			// m is the right child at this level; its sibling is the left
			// operand, which must already be stored and never changes.
			if !m.filled[level] && idxAtLevel%2 == 1 {
				m.path[level] = t.filledSubtrees[level]
				m.filled[level] = true
			}
		}
	}
}

// Root recomputes the current root from the frontier, treating any leaves
// beyond Size() as empty.
func (t *Tree) Root() Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootLocked()
}

func (t *Tree) rootLocked() Hash {
	cur := t.emptyHash[0]
	size := t.size
	for level := 0; level < Depth; level++ {
		if (size>>uint(level))&1 == 1 && t.filledKnown[level] {
			cur = hashPair(t.filledSubtrees[level], cur)
		} else {
			cur = hashPair(cur, t.emptyHash[level])
		}
	}
	return cur
}

// AuthPathFor returns the authentication path for a previously marked
// position, valid against the tree's current root (Root()). Siblings not yet
// supplied by a later append are filled with the empty-subtree hash for
// their level, matching Root()'s own treatment of not-yet-appended leaves -
// so the path is usable immediately after marking, not just once fully
// witnessed.
func (t *Tree) AuthPathFor(position uint64) (AuthPath, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.marks[position]
	if !ok {
		return AuthPath{}, false
	}
	path := AuthPath{Position: position}
	for level := 0; level < Depth; level++ {
		if m.filled[level] {
			path.Siblings[level] = m.path[level]
		} else {
			path.Siblings[level] = t.emptyHash[level]
		}
	}
	return path, true
}

// Unmark drops a bridge once its authentication path is no longer needed,
// bounding the tree's memory to only the leaves a caller still cares about.
func (t *Tree) Unmark(position uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.marks, position)
}

// Clone returns an independent copy of the tree, suitable for cheap per-block
// staging: subsequent appends to the clone do not affect the original, and
// vice versa.
func (t *Tree) Clone() *Tree {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := &Tree{
		size:           t.size,
		filledSubtrees: t.filledSubtrees,
		filledKnown:    t.filledKnown,
		emptyHash:      t.emptyHash,
		marks:          make(map[uint64]*bridge, len(t.marks)),
	}
	for pos, m := range t.marks {
		c.marks[pos] = m.clone()
	}
	return c
}

// VerifyAuthPath checks that leaf, combined with the given siblings in
// position order, produces expectedRoot.
func VerifyAuthPath(leaf Hash, path AuthPath, expectedRoot Hash) bool {
	cur := leaf
	idx := path.Position
	for level := 0; level < Depth; level++ {
		sibling := path.Siblings[level]
		if (idx>>uint(level))%2 == 0 {
			cur = hashPair(cur, sibling)
		} else {
			cur = hashPair(sibling, cur)
		}
	}
	return cur == expectedRoot
}
