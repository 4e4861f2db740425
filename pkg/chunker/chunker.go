// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chunker turns a state snapshot into ordered, bounded-size
// chunks carrying Merkle inclusion proofs, and reassembles them.
// Reassembly is all-or-nothing: a missing, duplicate or corrupt chunk
// fails the whole operation and no partial state is ever produced.
package chunker

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/TJ456/monad-chain-game-sub000/pkg/codec"
	"github.com/TJ456/monad-chain-game-sub000/pkg/gamestate"
	"github.com/TJ456/monad-chain-game-sub000/pkg/hashtree"

	"github.com/google/uuid"
)

var (
	// ErrNoChunks is returned when reassembling an empty chunk set.
	ErrNoChunks = errors.New("chunker: no chunks")
	// ErrChunkCount is returned when the chunk set size disagrees with
	// the declared total.
	ErrChunkCount = errors.New("chunker: chunk count mismatch")
	// ErrChunkSequence is returned on duplicate or missing indexes.
	ErrChunkSequence = errors.New("chunker: broken chunk sequence")
	// ErrContentHash is returned when a chunk payload does not match
	// its content hash.
	ErrContentHash = errors.New("chunker: content hash mismatch")
	// ErrRootMismatch is returned when the reassembled tree root does
	// not equal the expected root.
	ErrRootMismatch = errors.New("chunker: merkle root mismatch")
)

// Chunk is a bounded slice of a compressed state blob plus the material
// needed to verify it independently of its siblings.
type Chunk struct {
	ID            string             `msgpack:"id" json:"id"`
	Index         int                `msgpack:"index" json:"index"`
	Total         int                `msgpack:"total" json:"total"`
	TargetVersion uint64             `msgpack:"targetVersion" json:"targetVersion"`
	Payload       []byte             `msgpack:"payload" json:"payload"`
	Proof         []hashtree.Segment `msgpack:"proof" json:"proof"`
	ContentHash   []byte             `msgpack:"contentHash" json:"contentHash"`
}

// Verify checks the chunk payload against its content hash and, when a
// root is supplied, its inclusion proof against that root.
func (c *Chunk) Verify(root []byte) bool {
	sum := sha256.Sum256(c.Payload)
	if !bytes.Equal(sum[:], c.ContentHash) {
		return false
	}
	if root == nil {
		return true
	}
	return hashtree.Verify(c.Payload, c.Proof, root)
}

// Chunker divides and reassembles state snapshots using the supplied
// compression codec.
type Chunker struct {
	codec codec.Codec
}

func New(c codec.Codec) *Chunker {
	return &Chunker{codec: c}
}

// Divide serializes and compresses the state, cuts the blob into
// chunkSize byte ranges and attaches a Merkle proof to each chunk. It
// returns the chunks together with the root of the tree built over the
// raw chunk payloads.
func (c *Chunker) Divide(state *gamestate.State, targetVersion uint64, chunkSize int) ([]Chunk, []byte, error) {
	if chunkSize <= 0 {
		return nil, nil, fmt.Errorf("chunker: invalid chunk size %d", chunkSize)
	}

	serialized, err := state.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("serialize state: %w", err)
	}
	blob, err := c.codec.Compress(serialized)
	if err != nil {
		return nil, nil, fmt.Errorf("compress state: %w", err)
	}

	total := (len(blob) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1 // zero-length blob still travels as one empty chunk
	}

	payloads := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(blob) {
			end = len(blob)
		}
		payloads = append(payloads, blob[start:end])
	}

	tree := hashtree.New(payloads)
	root := tree.Root()
	batch := uuid.NewString()

	chunks := make([]Chunk, 0, total)
	for i, p := range payloads {
		sum := sha256.Sum256(p)
		chunks = append(chunks, Chunk{
			ID:            fmt.Sprintf("%s-%d", batch, i),
			Index:         i,
			Total:         total,
			TargetVersion: targetVersion,
			Payload:       p,
			Proof:         tree.Proof(i),
			ContentHash:   sum[:],
		})
	}

	return chunks, root, nil
}

// Reassemble rebuilds the state from a chunk set. When expectedRoot is
// non-nil the tree over the chunk payloads must reproduce it.
func (c *Chunker) Reassemble(chunks []Chunk, expectedRoot []byte) (*gamestate.State, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	sorted := append([]Chunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	total := sorted[0].Total
	if len(sorted) != total {
		return nil, fmt.Errorf("%w: have %d, declared %d", ErrChunkCount, len(sorted), total)
	}

	var blob []byte
	for i, ch := range sorted {
		if ch.Index != i {
			return nil, fmt.Errorf("%w: index %d at position %d", ErrChunkSequence, ch.Index, i)
		}
		if ch.Total != total {
			return nil, fmt.Errorf("%w: chunk %d declares total %d, want %d", ErrChunkCount, i, ch.Total, total)
		}
		sum := sha256.Sum256(ch.Payload)
		if !bytes.Equal(sum[:], ch.ContentHash) {
			return nil, fmt.Errorf("%w: chunk %d", ErrContentHash, i)
		}
		blob = append(blob, ch.Payload...)
	}

	if expectedRoot != nil {
		payloads := make([][]byte, len(sorted))
		for i, ch := range sorted {
			payloads[i] = ch.Payload
		}
		if !bytes.Equal(hashtree.New(payloads).Root(), expectedRoot) {
			return nil, ErrRootMismatch
		}
	}

	serialized, err := c.codec.Decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("decompress state: %w", err)
	}

	state := new(gamestate.State)
	if err := state.UnmarshalBinary(serialized); err != nil {
		return nil, fmt.Errorf("deserialize state: %w", err)
	}
	return state, nil
}

// Bandwidth tiers for ChunkSizeFor, in bytes per second.
const (
	slowLink   = 50 << 10
	mediumLink = 500 << 10
	fastLink   = 2 << 20
)

// ChunkSizeFor picks a chunk size matching the measured link bandwidth.
func ChunkSizeFor(bytesPerSecond float64) int {
	switch {
	case bytesPerSecond < slowLink:
		return 10 << 10
	case bytesPerSecond < mediumLink:
		return 50 << 10
	case bytesPerSecond < fastLink:
		return 200 << 10
	default:
		return 500 << 10
	}
}
