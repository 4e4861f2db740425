// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hashtree implements a binary Merkle tree over an ordered list
// of leaf values, with compact side-annotated inclusion proofs.
//
// Proof convention: there is exactly one folding order. Each proof
// segment records the side (left or right) the sibling hash occupies,
// fixed at proof generation time. Verification folds the segments in
// order, placing each sibling on its recorded side. Pairs are never
// sorted before hashing. A trailing node without a sibling is promoted
// to the next level unchanged and contributes no proof segment.
package hashtree

import (
	"bytes"
	"crypto/sha256"
	"fmt"
)

// HashSize is the size of a node hash in bytes.
const HashSize = sha256.Size

// Segment is a single element of an inclusion proof: the sibling hash
// at one level and the side it occupies when recombining.
type Segment struct {
	Hash []byte `msgpack:"hash" json:"hash"`
	Left bool   `msgpack:"left" json:"left"`
}

// Tree is an immutable binary Merkle tree. layers[0] holds the leaf
// hashes; the top layer holds the single root hash.
type Tree struct {
	layers [][][]byte
}

// New builds a tree over the ordered leaf values. Each leaf is hashed,
// then adjacent pairs are combined level by level until a single root
// remains. An empty leaf list produces a tree whose root is the hash of
// nothing, so that the zero state still has a well-defined root.
func New(leaves [][]byte) *Tree {
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		level[i] = leafHash(l)
	}
	if len(level) == 0 {
		level = [][]byte{leafHash(nil)}
	}

	layers := [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// odd trailing node is promoted unchanged
				next = append(next, level[i])
				continue
			}
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		level = next
		layers = append(layers, level)
	}

	return &Tree{layers: layers}
}

// Root returns the root hash of the tree.
func (t *Tree) Root() []byte {
	top := t.layers[len(t.layers)-1]
	return append([]byte(nil), top[0]...)
}

// Leaves returns the number of leaves the tree was built from.
func (t *Tree) Leaves() int {
	return len(t.layers[0])
}

// Proof returns the inclusion proof of the i-th leaf. Out-of-range
// indexes are programmer errors and panic.
func (t *Tree) Proof(i int) []Segment {
	if i < 0 || i >= len(t.layers[0]) {
		panic(fmt.Sprintf("hashtree: proof index %d out of range [0,%d)", i, len(t.layers[0])))
	}

	var proof []Segment
	idx := i
	for _, level := range t.layers[:len(t.layers)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof = append(proof, Segment{
				Hash: append([]byte(nil), level[sibling]...),
				Left: sibling < idx,
			})
		}
		idx /= 2
	}
	return proof
}

// Verify reports whether value at some leaf position folds through
// proof to root. A false result is a normal outcome, not an error.
func Verify(value []byte, proof []Segment, root []byte) bool {
	h := leafHash(value)
	for _, seg := range proof {
		if len(seg.Hash) != HashSize {
			return false
		}
		if seg.Left {
			h = nodeHash(seg.Hash, h)
		} else {
			h = nodeHash(h, seg.Hash)
		}
	}
	return bytes.Equal(h, root)
}

func leafHash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
