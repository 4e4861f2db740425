// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gamestate holds the canonical versioned state of a match and
// its content-hash plumbing. The Merkle root is computed over an
// ordered list of (field name, deterministically serialized value)
// leaves; bookkeeping fields (the root itself and the last verified
// version) are excluded from hashing.
package gamestate

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/TJ456/monad-chain-game-sub000/pkg/hashtree"

	"github.com/vmihailenco/msgpack/v5"
)

// Player is the per-player counter block. Health runs on a 0-20 scale,
// Mana on 0-10.
type Player struct {
	Health int `msgpack:"health" json:"health"`
	Mana   int `msgpack:"mana" json:"mana"`
	Shield int `msgpack:"shield" json:"shield"`
}

// Players maps player ids to their counter blocks.
type Players map[string]Player

// EncodeMsgpack implements msgpack.CustomEncoder. The encoder's sort
// flag does not reach typed maps, so the keys are walked in sorted
// order here; equal maps must always encode to identical bytes.
func (p Players) EncodeMsgpack(enc *msgpack.Encoder) error {
	if p == nil {
		return enc.EncodeNil()
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(p[k]); err != nil {
			return err
		}
	}
	return nil
}

// Hands maps player ids to the cards they hold.
type Hands map[string][]string

// EncodeMsgpack implements msgpack.CustomEncoder with sorted keys.
func (h Hands) EncodeMsgpack(enc *msgpack.Encoder) error {
	if h == nil {
		return enc.EncodeNil()
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(h[k]); err != nil {
			return err
		}
	}
	return nil
}

// Move is a single applied move.
type Move struct {
	ID        string `msgpack:"id" json:"id"`
	Player    string `msgpack:"player" json:"player"`
	Card      string `msgpack:"card" json:"card"`
	Timestamp int64  `msgpack:"timestamp" json:"timestamp"`
}

// State is the canonical, versioned match state.
type State struct {
	Version   uint64 `msgpack:"version" json:"version"`
	Timestamp int64  `msgpack:"timestamp" json:"timestamp"` // unix milliseconds

	TurnOwner string   `msgpack:"turnOwner" json:"turnOwner"`
	Players   Players  `msgpack:"players" json:"players"`
	Deck      []string `msgpack:"deck" json:"deck"`
	Hands     Hands    `msgpack:"hands" json:"hands"`
	LastMove  *Move    `msgpack:"lastMove,omitempty" json:"lastMove,omitempty"`

	// bookkeeping, excluded from the Merkle root
	MerkleRoot   string `msgpack:"merkleRoot" json:"merkleRoot"` // hex encoded
	LastVerified uint64 `msgpack:"lastVerified" json:"lastVerified"`
}

// New returns an empty state at version 0 with a sealed root.
func New() *State {
	s := &State{
		Timestamp: time.Now().UnixMilli(),
		Players:   make(Players),
		Hands:     make(Hands),
	}
	if err := s.SealRoot(); err != nil {
		panic(err) // empty state always serializes
	}
	return s
}

// hashedFields is the fixed leaf order of the root computation.
// Changing it changes every root, so treat it as a wire format.
var hashedFields = []string{"version", "timestamp", "turnOwner", "players", "deck", "hands", "lastMove"}

// Leaves returns the ordered (name, value) leaves the root is computed
// from.
func (s *State) Leaves() ([][]byte, error) {
	values := map[string]interface{}{
		"version":   s.Version,
		"timestamp": s.Timestamp,
		"turnOwner": s.TurnOwner,
		"players":   s.Players,
		"deck":      s.Deck,
		"hands":     s.Hands,
		"lastMove":  s.LastMove,
	}

	leaves := make([][]byte, 0, len(hashedFields))
	for _, name := range hashedFields {
		enc, err := encodeDeterministic(values[name])
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", name, err)
		}
		leaf := append([]byte(name+"="), enc...)
		leaves = append(leaves, leaf)
	}
	return leaves, nil
}

// ComputeRoot recomputes the Merkle root over the hashed fields.
func (s *State) ComputeRoot() ([]byte, error) {
	leaves, err := s.Leaves()
	if err != nil {
		return nil, err
	}
	return hashtree.New(leaves).Root(), nil
}

// SealRoot recomputes the root and stores it on the state.
func (s *State) SealRoot() error {
	root, err := s.ComputeRoot()
	if err != nil {
		return err
	}
	s.MerkleRoot = hex.EncodeToString(root)
	return nil
}

// VerifyRoot reports whether the stored root matches the recomputed
// one. A false result means the state was mutated outside the engine.
func (s *State) VerifyRoot() (bool, error) {
	root, err := s.ComputeRoot()
	if err != nil {
		return false, err
	}
	stored, err := hex.DecodeString(s.MerkleRoot)
	if err != nil {
		return false, fmt.Errorf("stored root: %w", err)
	}
	return bytes.Equal(root, stored), nil
}

// ContentEqual reports whether two states agree on every hashed field.
// Bookkeeping fields are ignored.
func (s *State) ContentEqual(o *State) bool {
	a, err := s.ComputeRoot()
	if err != nil {
		return false
	}
	b, err := o.ComputeRoot()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := &State{
		Version:      s.Version,
		Timestamp:    s.Timestamp,
		TurnOwner:    s.TurnOwner,
		MerkleRoot:   s.MerkleRoot,
		LastVerified: s.LastVerified,
		Players:      make(Players, len(s.Players)),
		Deck:         append([]string(nil), s.Deck...),
		Hands:        make(Hands, len(s.Hands)),
	}
	for k, v := range s.Players {
		c.Players[k] = v
	}
	for k, v := range s.Hands {
		c.Hands[k] = append([]string(nil), v...)
	}
	if s.LastMove != nil {
		m := *s.LastMove
		c.LastMove = &m
	}
	return c
}

// plainState keeps msgpack from recursing into MarshalBinary when the
// state serializes itself.
type plainState State

// MarshalBinary implements encoding.BinaryMarshaler using msgpack.
func (s *State) MarshalBinary() ([]byte, error) {
	return encodeDeterministic((*plainState)(s))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *State) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*plainState)(s))
}

// encodeDeterministic serializes v with sorted map keys so that equal
// values always produce identical bytes. The sort flag only covers
// untyped maps; Players and Hands carry their own ordered encoders.
func encodeDeterministic(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
