// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package replicator owns the canonical match state. Every mutation
// flows through it: inbound updates, locally recorded moves, rollbacks
// and sync adoption. It keeps a bounded history of applied moves, runs
// a periodic integrity audit over the sealed root and broadcasts
// adopted state to the configured transports.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TJ456/monad-chain-game-sub000/pkg/checkpoint"
	"github.com/TJ456/monad-chain-game-sub000/pkg/crypto"
	"github.com/TJ456/monad-chain-game-sub000/pkg/gamestate"
	"github.com/TJ456/monad-chain-game-sub000/pkg/logging"
	"github.com/TJ456/monad-chain-game-sub000/pkg/merge"
	"github.com/TJ456/monad-chain-game-sub000/pkg/transport"
	"github.com/TJ456/monad-chain-game-sub000/pkg/validity"

	"go.uber.org/atomic"
)

// Event kinds dispatched to subscribers.
const (
	EventStateUpdated      = "state_updated"
	EventConflictResolved  = "conflict_resolved"
	EventTamperSuspicion   = "tamper_suspicion"
	EventTamperDetected    = "tamper_detected"
	EventRollbackPerformed = "rollback_performed"
	EventTurnOwnerWarning  = "turn_owner_warning"
)

var (
	// ErrMoveNotFound is returned by RollbackToMove for unknown move
	// ids. The state is left untouched.
	ErrMoveNotFound = errors.New("replicator: move not found in history")
	// ErrMoveRejected is returned when the validity prover refuses a
	// move.
	ErrMoveRejected = errors.New("replicator: move rejected")
)

const (
	defaultAuditEvery = 10 * time.Second
	historySize       = 50
)

// Event is a notable state transition, dispatched to subscribers.
type Event struct {
	Kind    string
	Version uint64
	MoveID  string
	Detail  string
}

// Entry is one applied move in the history ring.
type Entry struct {
	MoveID    string
	Version   uint64 // version after the move
	Root      []byte // sealed root after the move
	Timestamp int64  // unix milliseconds
	Verified  bool   // confirmed by a later integrity audit
}

type entry struct {
	Entry
	before *gamestate.State
}

// Checkpointer is the slice of the checkpoint store the replicator
// needs: pre-move snapshots and tamper recovery.
type Checkpointer interface {
	Create(typ, moveID string) (*checkpoint.Checkpoint, error)
	LatestVerified() (*checkpoint.Checkpoint, *gamestate.State, error)
}

// Options configures a Replicator.
type Options struct {
	Strategy     merge.Strategy // conflict strategy, default merge
	Prover       validity.Prover
	Signer       crypto.Signer
	AuditEvery   time.Duration // integrity audit period, default 10s
	DisableAudit bool          // tests call Audit directly
	Clock        func() time.Time
}

// Replicator is the single writer of canonical state.
type Replicator struct {
	localPlayer string
	resolver    *merge.Resolver
	prover      validity.Prover
	signer      crypto.Signer
	transports  []transport.Transport
	logger      logging.Logger
	metrics     metrics
	clock       func() time.Time

	mtx     sync.Mutex
	state   *gamestate.State
	history []entry // oldest first
	pending []gamestate.Move

	checkpointer Checkpointer

	synced    atomic.Uint64
	listeners []func(Event)

	auditEvery time.Duration
	quit       chan struct{}
	wg         sync.WaitGroup
}

// New constructs a Replicator around the given initial state and starts
// the integrity audit loop unless disabled. A nil initial state starts
// an empty match at version 0.
func New(localPlayer string, initial *gamestate.State, transports []transport.Transport, logger logging.Logger, o *Options) (*Replicator, error) {
	if o == nil {
		o = &Options{}
	}
	if o.Strategy == "" {
		o.Strategy = merge.StrategyMerge
	}
	if o.AuditEvery == 0 {
		o.AuditEvery = defaultAuditEvery
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if initial == nil {
		initial = gamestate.New()
	} else {
		initial = initial.Clone()
		if err := initial.SealRoot(); err != nil {
			return nil, fmt.Errorf("seal initial state: %w", err)
		}
	}

	r := &Replicator{
		localPlayer: localPlayer,
		resolver:    merge.New(localPlayer, merge.WithStrategy(o.Strategy), merge.WithClock(o.Clock)),
		prover:      o.Prover,
		signer:      o.Signer,
		transports:  transports,
		logger:      logger,
		metrics:     newMetrics(),
		clock:       o.Clock,
		state:       initial,
		auditEvery:  o.AuditEvery,
		quit:        make(chan struct{}),
	}
	r.synced.Store(initial.Version)

	if !o.DisableAudit {
		r.wg.Add(1)
		go r.manage()
	}
	return r, nil
}

// SetCheckpointer wires the checkpoint store. Called once during node
// assembly; the store needs the replicator as its state provider, so
// the two cannot be constructed in one step.
func (r *Replicator) SetCheckpointer(cp Checkpointer) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.checkpointer = cp
}

// Subscribe registers a listener for replication events.
func (r *Replicator) Subscribe(f func(Event)) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.listeners = append(r.listeners, f)
}

// CurrentState returns a deep copy of the canonical state. Implements
// checkpoint.StateProvider.
func (r *Replicator) CurrentState() *gamestate.State {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.state.Clone()
}

// SyncedVersion returns the version of the canonical state. Implements
// syncer.Adopter.
func (r *Replicator) SyncedVersion() uint64 {
	return r.synced.Load()
}

// ApplyUpdate reconciles an inbound state update against the canonical
// state. Stale updates are dropped silently. An update for the current
// version with differing content goes through the conflict resolver;
// a newer update is adopted. When broadcast is set the adopted state is
// pushed to every available transport.
func (r *Replicator) ApplyUpdate(ctx context.Context, update *gamestate.State, broadcast bool) error {
	r.mtx.Lock()

	switch {
	case update.Version < r.state.Version:
		r.mtx.Unlock()
		r.metrics.StaleDropped.Inc()
		r.logger.Debugf("replicator: dropping stale update %d < %d", update.Version, r.state.Version)
		return nil

	case update.Version == r.state.Version:
		if r.state.ContentEqual(update) {
			r.mtx.Unlock()
			return nil
		}
		merged, events, err := r.resolver.Resolve(r.state, update, r.pending)
		if err != nil {
			r.mtx.Unlock()
			return fmt.Errorf("resolve conflict: %w", err)
		}
		r.adoptLocked(merged)
		out := r.mergeEvents(merged.Version, events)
		out = append(out, Event{Kind: EventConflictResolved, Version: merged.Version})
		snapshot := r.state.Clone()
		r.mtx.Unlock()

		r.metrics.ConflictsResolved.Inc()
		r.metrics.UpdatesApplied.Inc()
		for _, e := range out {
			r.notify(e)
		}
		r.notify(Event{Kind: EventStateUpdated, Version: snapshot.Version})
		if broadcast {
			r.broadcast(ctx, snapshot)
		}
		return nil

	default: // newer
		adopted := update.Clone()
		adopted.Timestamp = r.clock().UnixMilli()
		if err := adopted.SealRoot(); err != nil {
			r.mtx.Unlock()
			return fmt.Errorf("seal adopted state: %w", err)
		}
		r.adoptLocked(adopted)
		snapshot := r.state.Clone()
		r.mtx.Unlock()

		r.metrics.UpdatesApplied.Inc()
		r.notify(Event{Kind: EventStateUpdated, Version: snapshot.Version})
		if broadcast {
			r.broadcast(ctx, snapshot)
		}
		return nil
	}
}

// adoptLocked swaps the canonical state and prunes pending moves the
// adopted state confirms. Caller holds the lock.
func (r *Replicator) adoptLocked(s *gamestate.State) {
	r.state = s
	r.synced.Store(s.Version)
	if s.LastMove == nil {
		return
	}
	for i, m := range r.pending {
		if m.ID == s.LastMove.ID {
			r.pending = append(r.pending[:i:i], r.pending[i+1:]...)
			break
		}
	}
}

func (r *Replicator) mergeEvents(version uint64, events []merge.Event) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		kind := EventTamperSuspicion
		if e.Kind == merge.EventTurnOwnerWarning {
			kind = EventTurnOwnerWarning
		}
		if kind == EventTamperSuspicion {
			r.metrics.TamperSuspicions.Inc()
		}
		out = append(out, Event{Kind: kind, Version: version, Detail: e.String()})
	}
	return out
}

// RecordMove applies a locally initiated move: snapshot a pre-move
// checkpoint, consult the validity prover when configured, mutate the
// state, journal the move in the history ring and broadcast the result.
func (r *Replicator) RecordMove(ctx context.Context, move gamestate.Move) error {
	if move.Timestamp == 0 {
		move.Timestamp = r.clock().UnixMilli()
	}

	r.mtx.Lock()
	cp := r.checkpointer
	r.pending = append(r.pending, move)
	before := r.state.Clone()
	r.mtx.Unlock()

	// the checkpoint captures the state the move can be rolled back to
	if cp != nil {
		if _, err := cp.Create(checkpoint.TypeMoveApplied, move.ID); err != nil {
			r.unstage(move.ID)
			return fmt.Errorf("checkpoint before move: %w", err)
		}
	}

	if r.prover != nil {
		if _, err := r.prover.Prove(ctx, move, before); err != nil {
			r.unstage(move.ID)
			r.metrics.MovesRejected.Inc()
			return fmt.Errorf("%w: %v", ErrMoveRejected, err)
		}
	}

	r.mtx.Lock()
	next := r.state.Clone()
	applyMove(next, move, r.clock().UnixMilli())
	if err := next.SealRoot(); err != nil {
		r.mtx.Unlock()
		r.unstage(move.ID)
		return fmt.Errorf("seal state: %w", err)
	}
	prev := r.state
	r.state = next
	r.synced.Store(next.Version)
	r.journalLocked(move, prev, next)
	snapshot := next.Clone()
	r.mtx.Unlock()

	r.metrics.MovesRecorded.Inc()
	r.logger.Debugf("replicator: move %s applied, version %d", move.ID, snapshot.Version)
	r.notify(Event{Kind: EventStateUpdated, Version: snapshot.Version, MoveID: move.ID})
	r.broadcast(ctx, snapshot)
	return nil
}

func (r *Replicator) unstage(moveID string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for i, m := range r.pending {
		if m.ID == moveID {
			r.pending = append(r.pending[:i:i], r.pending[i+1:]...)
			return
		}
	}
}

// applyMove mutates s in place: the played card leaves the player's
// hand, the move becomes LastMove and the version advances.
func applyMove(s *gamestate.State, m gamestate.Move, now int64) {
	hand := s.Hands[m.Player]
	for i, c := range hand {
		if c == m.Card {
			s.Hands[m.Player] = append(hand[:i:i], hand[i+1:]...)
			break
		}
	}
	mv := m
	s.LastMove = &mv
	s.Version++
	s.Timestamp = now
}

// journalLocked appends a history entry, dropping the oldest beyond the
// ring capacity. Caller holds the lock.
func (r *Replicator) journalLocked(move gamestate.Move, before, after *gamestate.State) {
	root, err := after.ComputeRoot()
	if err != nil {
		r.logger.Warningf("replicator: history root for move %s: %v", move.ID, err)
	}
	r.history = append(r.history, entry{
		Entry: Entry{
			MoveID:    move.ID,
			Version:   after.Version,
			Root:      root,
			Timestamp: r.clock().UnixMilli(),
		},
		before: before,
	})
	if len(r.history) > historySize {
		r.history = r.history[len(r.history)-historySize:]
	}
}

// History returns the move journal, newest first.
func (r *Replicator) History() []Entry {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]Entry, 0, len(r.history))
	for i := len(r.history) - 1; i >= 0; i-- {
		out = append(out, r.history[i].Entry)
	}
	return out
}

// RollbackToMove rewinds the canonical state to the moment just before
// the given move was applied and discards that move and everything
// after it from the history. Unknown ids leave the state untouched.
func (r *Replicator) RollbackToMove(moveID string) error {
	r.mtx.Lock()
	idx := -1
	for i, e := range r.history {
		if e.MoveID == moveID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mtx.Unlock()
		return fmt.Errorf("%w: %s", ErrMoveNotFound, moveID)
	}

	restored := r.history[idx].before.Clone()
	if err := restored.SealRoot(); err != nil {
		r.mtx.Unlock()
		return fmt.Errorf("seal restored state: %w", err)
	}
	r.state = restored
	r.synced.Store(restored.Version)
	r.history = r.history[:idx]
	snapshot := restored.Clone()
	r.mtx.Unlock()

	r.metrics.Rollbacks.Inc()
	r.logger.Infof("replicator: rolled back to before move %s, version %d", moveID, snapshot.Version)
	r.notify(Event{Kind: EventRollbackPerformed, Version: snapshot.Version, MoveID: moveID})
	return nil
}

// AdoptState installs a fully verified state recovered by the syncer.
// Implements syncer.Adopter. A state at or behind the canonical version
// is ignored.
func (r *Replicator) AdoptState(state *gamestate.State, _ []byte) error {
	r.mtx.Lock()
	if state.Version <= r.state.Version {
		r.mtx.Unlock()
		r.logger.Debugf("replicator: ignoring adopted state %d, canonical is %d", state.Version, r.state.Version)
		return nil
	}
	adopted := state.Clone()
	adopted.LastVerified = adopted.Version
	r.adoptLocked(adopted)
	snapshot := adopted.Clone()
	r.mtx.Unlock()

	r.metrics.StatesAdopted.Inc()
	r.logger.Infof("replicator: adopted synced state at version %d", snapshot.Version)
	r.notify(Event{Kind: EventStateUpdated, Version: snapshot.Version})
	return nil
}

// manage runs the periodic integrity audit.
func (r *Replicator) manage() {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		case <-time.After(r.auditEvery):
		}
		if err := r.Audit(); err != nil {
			r.logger.Errorf("replicator: integrity audit: %v", err)
		}
	}
}

// Audit recomputes the canonical root against the sealed one. A
// mismatch means the state was mutated outside the engine: a tamper
// event is raised and the latest verified checkpoint is restored. The
// corruption is never silently resealed.
func (r *Replicator) Audit() error {
	r.mtx.Lock()
	ok, err := r.state.VerifyRoot()
	if err != nil {
		r.mtx.Unlock()
		return fmt.Errorf("verify root: %w", err)
	}
	if ok {
		r.state.LastVerified = r.state.Version
		for i := range r.history {
			if r.history[i].Version <= r.state.Version {
				r.history[i].Verified = true
			}
		}
		r.mtx.Unlock()
		r.metrics.AuditsPassed.Inc()
		return nil
	}

	version := r.state.Version
	cp := r.checkpointer
	r.mtx.Unlock()

	r.metrics.TamperDetected.Inc()
	r.logger.Errorf("replicator: tamper detected at version %d", version)
	r.notify(Event{Kind: EventTamperDetected, Version: version})

	if cp == nil {
		return errors.New("replicator: tamper detected and no checkpointer configured")
	}
	meta, state, err := cp.LatestVerified()
	if err != nil {
		return fmt.Errorf("restore after tamper: %w", err)
	}
	state = state.Clone()
	state.LastVerified = state.Version
	if err := state.SealRoot(); err != nil {
		return fmt.Errorf("seal restored state: %w", err)
	}

	r.mtx.Lock()
	r.state = state
	r.synced.Store(state.Version)
	snapshot := state.Clone()
	r.mtx.Unlock()

	r.metrics.Rollbacks.Inc()
	r.logger.Warningf("replicator: restored checkpoint %s at version %d", meta.ID, snapshot.Version)
	r.notify(Event{Kind: EventRollbackPerformed, Version: snapshot.Version, MoveID: meta.MoveID})
	return nil
}

// broadcast pushes the state to every available transport, signing the
// payload when a signer is configured.
func (r *Replicator) broadcast(ctx context.Context, state *gamestate.State) {
	payload, err := state.MarshalBinary()
	if err != nil {
		r.logger.Errorf("replicator: serialize broadcast: %v", err)
		return
	}

	env := transport.Envelope{
		Type:      transport.TypeStateUpdate,
		Payload:   payload,
		Timestamp: r.clock().UnixMilli(),
		Sender:    r.localPlayer,
	}
	if r.signer != nil {
		sig, err := r.signer.Sign(payload)
		if err != nil {
			r.logger.Errorf("replicator: sign broadcast: %v", err)
			return
		}
		env.Signature = sig
	}

	for _, t := range r.transports {
		if t == nil || !t.Available() {
			continue
		}
		if err := t.Send(ctx, env); err != nil {
			r.logger.Warningf("replicator: broadcast over %s: %v", t.Name(), err)
			continue
		}
		r.metrics.Broadcasts.Inc()
	}
}

func (r *Replicator) notify(e Event) {
	r.mtx.Lock()
	listeners := append(([]func(Event))(nil), r.listeners...)
	r.mtx.Unlock()
	for _, f := range listeners {
		f(e)
	}
}

// Close stops the audit loop.
func (r *Replicator) Close() error {
	close(r.quit)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return errors.New("replicator: shutting down with running goroutines")
	}
	return nil
}
