// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package checkpoint persists integrity-verified snapshots of the
// canonical state and restores them. A restore recomputes the snapshot
// root and refuses to hand out state whose root disagrees with the one
// stored at creation time. Eviction is a first-class API: the store
// caps the number of checkpoints while always retaining the most
// recent ones, anything inside the freshness window, and the pinned
// recovery checkpoint.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TJ456/monad-chain-game-sub000/pkg/codec"
	"github.com/TJ456/monad-chain-game-sub000/pkg/gamestate"
	"github.com/TJ456/monad-chain-game-sub000/pkg/logging"
	"github.com/TJ456/monad-chain-game-sub000/pkg/storage"

	"github.com/google/uuid"
)

// Checkpoint types.
const (
	TypeManual      = "manual"
	TypePeriodic    = "periodic"
	TypeMoveApplied = "move-applied"
	TypePreSync     = "pre-sync"
)

var (
	// ErrIntegrity is returned when a snapshot root does not match the
	// recomputed one. The restore is refused.
	ErrIntegrity = errors.New("checkpoint: integrity violation")
	// ErrNotFound is returned for unknown checkpoint ids.
	ErrNotFound = errors.New("checkpoint: not found")
)

const (
	storePrefix       = "checkpoint_"
	compressThreshold = 1 << 10
)

// Checkpoint is a stored snapshot of canonical state.
type Checkpoint struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	MoveID     string `json:"moveId,omitempty"`
	Version    uint64 `json:"version"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	MerkleRoot []byte `json:"merkleRoot"`
	Snapshot   []byte `json:"snapshot"`
	Compressed bool   `json:"compressed"`
}

// clone returns a copy whose byte slices do not alias the stored
// checkpoint. Everything the store hands out is a clone; callers must
// not be able to mutate the stored collection.
func (cp *Checkpoint) clone() *Checkpoint {
	c := *cp
	c.MerkleRoot = append([]byte(nil), cp.MerkleRoot...)
	c.Snapshot = append([]byte(nil), cp.Snapshot...)
	return &c
}

// StateProvider hands out the current canonical state. The store never
// mutates it; all writes flow back through the replicator.
type StateProvider interface {
	CurrentState() *gamestate.State
}

// Policy controls eviction.
type Policy struct {
	MaxCheckpoints int           // hard cap, default 10
	RetainRecent   int           // newest n are always kept, default 5
	FreshWindow    time.Duration // anything younger is kept, default 1h
}

// DefaultPolicy returns the standard eviction policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxCheckpoints: 10,
		RetainRecent:   5,
		FreshWindow:    time.Hour,
	}
}

// Options configures a Store.
type Options struct {
	Policy Policy
	Clock  func() time.Time
}

// Store owns the checkpoint collection.
type Store struct {
	mtx        sync.Mutex
	provider   StateProvider
	statestore storage.StateStorer
	codec      codec.Codec
	logger     logging.Logger
	metrics    metrics

	policy      Policy
	clock       func() time.Time
	pinned      string
	checkpoints map[string]*Checkpoint
}

// New creates a checkpoint store, loading any previously persisted
// checkpoints from the statestore.
func New(provider StateProvider, st storage.StateStorer, c codec.Codec, logger logging.Logger, o *Options) (*Store, error) {
	if o == nil {
		o = &Options{}
	}
	if o.Policy.MaxCheckpoints == 0 {
		o.Policy = DefaultPolicy()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}

	s := &Store{
		provider:    provider,
		statestore:  st,
		codec:       c,
		logger:      logger,
		metrics:     newMetrics(),
		policy:      o.Policy,
		clock:       o.Clock,
		checkpoints: make(map[string]*Checkpoint),
	}

	err := st.Iterate(storePrefix, func(_, value []byte) (bool, error) {
		cp := new(Checkpoint)
		if err := json.Unmarshal(value, cp); err != nil {
			return false, err
		}
		s.checkpoints[cp.ID] = cp
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}

	return s, nil
}

// Create snapshots the current canonical state under a fresh id. The
// snapshot is compressed when it exceeds the size threshold.
func (s *Store) Create(typ, moveID string) (*Checkpoint, error) {
	state := s.provider.CurrentState()

	root, err := state.ComputeRoot()
	if err != nil {
		return nil, fmt.Errorf("compute root: %w", err)
	}
	snapshot, err := state.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize state: %w", err)
	}

	compressed := false
	if len(snapshot) > compressThreshold {
		blob, err := s.codec.Compress(snapshot)
		if err != nil {
			return nil, fmt.Errorf("compress snapshot: %w", err)
		}
		snapshot = blob
		compressed = true
	}

	cp := &Checkpoint{
		ID:         uuid.NewString(),
		Type:       typ,
		MoveID:     moveID,
		Version:    state.Version,
		Timestamp:  s.clock().UnixMilli(),
		MerkleRoot: root,
		Snapshot:   snapshot,
		Compressed: compressed,
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.statestore.Put(storePrefix+cp.ID, cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}
	s.checkpoints[cp.ID] = cp
	s.metrics.Created.Inc()
	s.logger.Debugf("checkpoint: created %s type %s version %d", cp.ID, typ, cp.Version)

	s.evict()

	return cp.clone(), nil
}

// Restore loads a checkpoint, recomputes its root and returns the
// snapshotted state. The restore is all-or-nothing: on any mismatch
// ErrIntegrity is returned and no state is produced.
func (s *Store) Restore(id string) (*gamestate.State, error) {
	s.mtx.Lock()
	cp, ok := s.checkpoints[id]
	s.mtx.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	state, err := s.decode(cp)
	if err != nil {
		return nil, err
	}

	root, err := state.ComputeRoot()
	if err != nil {
		return nil, fmt.Errorf("compute root: %w", err)
	}
	if !bytes.Equal(root, cp.MerkleRoot) {
		s.metrics.IntegrityFailures.Inc()
		s.logger.Errorf("checkpoint: root mismatch restoring %s", id)
		return nil, ErrIntegrity
	}

	s.metrics.Restored.Inc()
	return state, nil
}

// Get returns checkpoint metadata by id.
func (s *Store) Get(id string) (*Checkpoint, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.clone(), nil
}

// List returns all checkpoints, newest first.
func (s *Store) List() []*Checkpoint {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	sorted := s.sortedLocked()
	out := make([]*Checkpoint, len(sorted))
	for i, cp := range sorted {
		out[i] = cp.clone()
	}
	return out
}

// Pin marks id as the recovery checkpoint, exempt from eviction.
func (s *Store) Pin(id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.checkpoints[id]; !ok {
		return ErrNotFound
	}
	s.pinned = id
	return nil
}

// SetPolicy replaces the eviction policy and applies it immediately.
func (s *Store) SetPolicy(p Policy) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.policy = p
	s.evict()
}

// LatestVerified returns the newest checkpoint whose snapshot still
// folds to its stored root, together with the decoded state.
func (s *Store) LatestVerified() (*Checkpoint, *gamestate.State, error) {
	for _, cp := range s.List() {
		state, err := s.decode(cp)
		if err != nil {
			s.logger.Warningf("checkpoint: skipping undecodable checkpoint %s: %v", cp.ID, err)
			continue
		}
		root, err := state.ComputeRoot()
		if err != nil {
			continue
		}
		if bytes.Equal(root, cp.MerkleRoot) {
			return cp, state, nil
		}
		s.metrics.IntegrityFailures.Inc()
	}
	return nil, nil, ErrNotFound
}

func (s *Store) decode(cp *Checkpoint) (*gamestate.State, error) {
	snapshot := cp.Snapshot
	if cp.Compressed {
		raw, err := s.codec.Decompress(snapshot)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
		snapshot = raw
	}
	state := new(gamestate.State)
	if err := state.UnmarshalBinary(snapshot); err != nil {
		return nil, fmt.Errorf("deserialize snapshot: %w", err)
	}
	return state, nil
}

// evict applies the policy. Caller must hold the lock.
func (s *Store) evict() {
	if len(s.checkpoints) <= s.policy.MaxCheckpoints {
		return
	}

	sorted := s.sortedLocked() // newest first
	now := s.clock()

	retained := make(map[string]struct{})
	for i, cp := range sorted {
		if i < s.policy.RetainRecent {
			retained[cp.ID] = struct{}{}
		}
		if now.Sub(time.UnixMilli(cp.Timestamp)) < s.policy.FreshWindow {
			retained[cp.ID] = struct{}{}
		}
	}
	if s.pinned != "" {
		retained[s.pinned] = struct{}{}
	}

	// walk oldest first, evicting until we are back under the cap
	for i := len(sorted) - 1; i >= 0 && len(s.checkpoints) > s.policy.MaxCheckpoints; i-- {
		cp := sorted[i]
		if _, keep := retained[cp.ID]; keep {
			continue
		}
		if err := s.statestore.Delete(storePrefix + cp.ID); err != nil {
			s.logger.Warningf("checkpoint: evict %s: %v", cp.ID, err)
			continue
		}
		delete(s.checkpoints, cp.ID)
		s.metrics.Evicted.Inc()
		s.logger.Debugf("checkpoint: evicted %s", cp.ID)
	}
}

func (s *Store) sortedLocked() []*Checkpoint {
	out := make([]*Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID > out[j].ID
	})
	return out
}
