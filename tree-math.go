package mls

import "fmt"

// Index calculus for the "flat" representation of a left-balanced binary
// tree.  The n-th leaf lives at node 2*n; intermediate nodes are the
// odd-numbered positions.  An 11-leaf tree:
//
//                                              X
//                      X
//          X                       X                       X
//    X           X           X           X           X
// X     X     X     X     X     X     X     X     X     X     X
// 0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f 10 11 12 13 14
//
// Parent/child/sibling/copath relationships all reduce to bit
// manipulation on indices, so the tree storage can be a plain slice and
// never needs pointers.

type LeafIndex uint32
type NodeIndex uint32

type leafCount uint32
type nodeCount uint32

func toNodeIndex(leaf LeafIndex) NodeIndex {
	return NodeIndex(2 * leaf)
}

func toLeafIndex(node NodeIndex) LeafIndex {
	if node&0x01 != 0 {
		panic(fmt.Errorf("mls.tree-math: node %d is not a leaf", node))
	}
	return LeafIndex(node >> 1)
}

// Position of the most significant 1 bit
func log2(x nodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k += 1
	}
	return k - 1
}

// Level of a node in the tree; leaves are level 0
func level(x NodeIndex) uint {
	if x&0x01 == 0 {
		return 0
	}

	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k += 1
	}
	return k
}

// Number of node slots for a tree with N leaves
func nodeWidth(n leafCount) nodeCount {
	if n == 0 {
		return 0
	}
	return nodeCount(2*(n-1) + 1)
}

// Number of leaves covered by a node slice of the given length
func leafWidth(c nodeCount) leafCount {
	if c == 0 {
		return 0
	}

	if c&1 == 0 {
		panic(fmt.Errorf("mls.tree-math: only odd node counts describe trees"))
	}
	return leafCount((c >> 1) + 1)
}

// Index of the root of a tree with N leaves
func root(n leafCount) NodeIndex {
	w := nodeWidth(n)
	return NodeIndex((1 << log2(w)) - 1)
}

// Left child of x
func left(x NodeIndex) NodeIndex {
	if level(x) == 0 {
		return x
	}

	return x ^ (0x01 << (level(x) - 1))
}

// Right child of x, accounting for incomplete subtrees
func right(x NodeIndex, n leafCount) NodeIndex {
	if level(x) == 0 {
		return x
	}

	w := NodeIndex(nodeWidth(n))
	r := x ^ (0x03 << (level(x) - 1))
	for r >= w {
		r = left(r)
	}
	return r
}

// Immediate parent candidate of x; may not exist in the tree
func parentStep(x NodeIndex) NodeIndex {
	k := level(x)
	one := uint(1)
	return NodeIndex((uint(x) | (one << k)) & ^(one << (k + 1)))
}

// Parent of x; the root is its own parent
func parent(x NodeIndex, n leafCount) NodeIndex {
	if x == root(n) {
		return x
	}

	w := NodeIndex(nodeWidth(n))
	p := parentStep(x)
	for p >= w {
		p = parentStep(p)
	}
	return p
}

// Sibling of x; the root is its own sibling
func sibling(x NodeIndex, n leafCount) NodeIndex {
	p := parent(x, n)
	switch {
	case x < p:
		return right(p, n)
	case x > p:
		return left(p)
	}
	return p
}

// Direct path from x to the root, excluding x, including the root.
// Empty for a one-leaf tree.
func dirpath(x NodeIndex, n leafCount) []NodeIndex {
	d := []NodeIndex{}
	r := root(n)
	if x == r {
		return d
	}

	p := parent(x, n)
	for {
		d = append(d, p)
		if p == r {
			break
		}
		p = parent(p, n)
	}
	return d
}

// Copath of x: the siblings of nodes on the direct path, ordered leaf to
// root.
func copath(x NodeIndex, n leafCount) []NodeIndex {
	if x == root(n) {
		return []NodeIndex{}
	}

	c := []NodeIndex{sibling(x, n)}
	p := parent(x, n)
	r := root(n)
	for p != r {
		c = append(c, sibling(p, n))
		p = parent(p, n)
	}
	return c
}

// Lowest common ancestor of two leaves
func ancestor(l, r LeafIndex) NodeIndex {
	ln, rn := toNodeIndex(l), toNodeIndex(r)

	k := uint(0)
	for ln != rn {
		ln, rn = ln>>1, rn>>1
		k += 1
	}
	return (ln << k) + (1 << (k - 1)) - 1
}

// Reports whether x is in the subtree rooted at a
func inSubtree(x, a NodeIndex) bool {
	lx, la := level(x), level(a)
	if lx > la {
		return false
	}
	return x>>(la+1) == a>>(la+1)
}
