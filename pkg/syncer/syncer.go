// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package syncer drives bulk catch-up sessions: request, chunk
// ingestion, reassembly, verification, adoption. A session walks
// pending -> in_progress -> completed|failed and terminal states are
// immutable. A background loop polls the ordering collaborator and
// requests a session whenever the local replica is behind.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TJ456/monad-chain-game-sub000/pkg/chunker"
	"github.com/TJ456/monad-chain-game-sub000/pkg/gamestate"
	"github.com/TJ456/monad-chain-game-sub000/pkg/logging"
	"github.com/TJ456/monad-chain-game-sub000/pkg/storage"
	"github.com/TJ456/monad-chain-game-sub000/pkg/transport"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/vmihailenco/msgpack/v5"
)

// Status is the lifecycle state of a sync session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority of a sync request. Manual requests race the fast transport
// against the escalation timer; auto requests go straight to the
// fallback transport.
type Priority int

const (
	PriorityAuto Priority = iota
	PriorityManual
)

var (
	// ErrSessionNotFound is returned for unknown sync ids.
	ErrSessionNotFound = errors.New("syncer: session not found")
	// ErrSessionTimeout marks a session that did not complete within
	// the hard bound.
	ErrSessionTimeout = errors.New("syncer: session timeout")
	// ErrSuperseded marks a session replaced by a newer request for
	// the same target.
	ErrSuperseded = errors.New("syncer: session superseded")
	// ErrChunkVersion is returned when a chunk targets a different
	// version than its session.
	ErrChunkVersion = errors.New("syncer: chunk targets wrong version")
)

const (
	defaultPollEvery      = 30 * time.Second
	defaultSessionTimeout = 60 * time.Second
	defaultEscalateAfter  = 2 * time.Second

	chunkPrefix = "syncchunk_"

	rootsToRemember = 128
)

// Session is a point-in-time view of one sync session.
type Session struct {
	SyncID         string
	TargetVersion  uint64
	CurrentVersion uint64
	Priority       Priority
	Status         Status
	Progress       float64 // percent, 0-100
	ChunksReceived int
	TotalChunks    int
	StartTime      time.Time
	EndTime        time.Time
	Err            string
}

type session struct {
	Session
	chunks map[int]chunker.Chunk
}

// Request is the wire shape of a sync request envelope payload.
type Request struct {
	SyncID        string `msgpack:"syncId"`
	TargetVersion uint64 `msgpack:"targetVersion"`
	FromVersion   uint64 `msgpack:"fromVersion"`
	Manual        bool   `msgpack:"manual"`
}

// ChunkMessage is the wire shape of a sync chunk envelope payload.
type ChunkMessage struct {
	SyncID string        `msgpack:"syncId"`
	Chunk  chunker.Chunk `msgpack:"chunk"`
}

// HeadSource is the ordering/consensus collaborator: it reports the
// authoritative latest version and its declared state root. The engine
// never decides ordering itself.
type HeadSource interface {
	Head(ctx context.Context) (version uint64, declaredRoot []byte, err error)
}

// Adopter consumes a fully verified recovered state. Implemented by
// the replicator.
type Adopter interface {
	AdoptState(state *gamestate.State, declaredRoot []byte) error
	SyncedVersion() uint64
}

// Options configures the Orchestrator.
type Options struct {
	PollEvery      time.Duration // auto-sync period, default 30s
	SessionTimeout time.Duration // hard per-session bound, default 60s
	EscalateAfter  time.Duration // fast->fallback escalation, default 2s
	DisablePolling bool          // tests drive RequestSync directly
}

// Orchestrator owns the sync sessions.
type Orchestrator struct {
	adopter    Adopter
	head       HeadSource
	chunker    *chunker.Chunker
	statestore storage.StateStorer
	fast       transport.Transport
	fallback   transport.Transport
	logger     logging.Logger
	metrics    metrics

	pollEvery      time.Duration
	sessionTimeout time.Duration
	escalateAfter  time.Duration

	mtx       sync.Mutex
	sessions  map[string]*session
	byTarget  map[uint64]string // target version -> active sync id
	listeners []func(Session)

	roots *lru.Cache // version -> declared root

	quit chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Orchestrator and starts its polling loop unless
// disabled.
func New(adopter Adopter, head HeadSource, ch *chunker.Chunker, st storage.StateStorer, fast, fallback transport.Transport, logger logging.Logger, o *Options) (*Orchestrator, error) {
	roots, err := lru.New(rootsToRemember)
	if err != nil {
		return nil, err
	}
	if o == nil {
		o = &Options{}
	}
	if o.PollEvery == 0 {
		o.PollEvery = defaultPollEvery
	}
	if o.SessionTimeout == 0 {
		o.SessionTimeout = defaultSessionTimeout
	}
	if o.EscalateAfter == 0 {
		o.EscalateAfter = defaultEscalateAfter
	}

	s := &Orchestrator{
		adopter:        adopter,
		head:           head,
		chunker:        ch,
		statestore:     st,
		fast:           fast,
		fallback:       fallback,
		logger:         logger,
		metrics:        newMetrics(),
		pollEvery:      o.PollEvery,
		sessionTimeout: o.SessionTimeout,
		escalateAfter:  o.EscalateAfter,
		sessions:       make(map[string]*session),
		byTarget:       make(map[uint64]string),
		roots:          roots,
		quit:           make(chan struct{}),
	}

	if !o.DisablePolling {
		s.wg.Add(1)
		go s.manage()
	}
	return s, nil
}

// SubscribeSessionChange registers a listener invoked on every session
// transition with a snapshot of the session.
func (s *Orchestrator) SubscribeSessionChange(f func(Session)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.listeners = append(s.listeners, f)
}

// manage periodically compares the locally synced version with the
// head reported by the ordering collaborator and auto-requests a
// session when behind.
func (s *Orchestrator) manage() {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.quit
		cancel()
	}()

	for {
		select {
		case <-s.quit:
			return
		case <-time.After(s.pollEvery):
		}

		head, root, err := s.head.Head(ctx)
		if err != nil {
			s.logger.Warningf("syncer: head query failed: %v", err)
			continue
		}
		_ = s.roots.Add(head, append([]byte(nil), root...))

		synced := s.adopter.SyncedVersion()
		if head <= synced {
			continue
		}

		s.metrics.AutoSyncTriggered.Inc()
		s.logger.Infof("syncer: behind head (%d < %d), requesting sync", synced, head)
		if _, err := s.RequestSync(ctx, head, synced, PriorityAuto); err != nil {
			s.logger.Errorf("syncer: auto sync request: %v", err)
		}
	}
}

// RequestSync opens a new sync session towards targetVersion. An older
// in-flight session for the same target is superseded, never queued
// behind.
func (s *Orchestrator) RequestSync(ctx context.Context, targetVersion, fromVersion uint64, priority Priority) (Session, error) {
	select {
	case <-s.quit:
		return Session{}, errors.New("syncer: shutting down")
	default:
	}

	// remember the declared root for this target if the head matches
	if _, ok := s.roots.Get(targetVersion); !ok && s.head != nil {
		if head, root, err := s.head.Head(ctx); err == nil && head == targetVersion {
			_ = s.roots.Add(head, append([]byte(nil), root...))
		}
	}

	s.mtx.Lock()
	var superseded *Session
	if oldID, ok := s.byTarget[targetVersion]; ok {
		if old, ok := s.sessions[oldID]; ok && !old.Status.Terminal() {
			s.failLocked(old, ErrSuperseded)
			snap := old.Session
			superseded = &snap
		}
	}

	sess := &session{
		Session: Session{
			SyncID:         uuid.NewString(),
			TargetVersion:  targetVersion,
			CurrentVersion: fromVersion,
			Priority:       priority,
			Status:         StatusPending,
			StartTime:      time.Now(),
		},
		chunks: make(map[int]chunker.Chunk),
	}
	s.sessions[sess.SyncID] = sess
	s.byTarget[targetVersion] = sess.SyncID
	snapshot := sess.Session
	s.mtx.Unlock()

	// the superseded session terminates like any other failure: its
	// persisted chunks go away and listeners see the transition
	if superseded != nil {
		s.clearChunks(superseded.SyncID)
		s.notify(*superseded)
	}

	s.metrics.SessionsStarted.Inc()
	s.logger.Debugf("syncer: session %s pending, target %d from %d", snapshot.SyncID, targetVersion, fromVersion)
	s.notify(snapshot)

	s.wg.Add(1)
	go s.watchdog(sess.SyncID)

	s.wg.Add(1)
	go s.dispatchRequest(ctx, snapshot)

	return snapshot, nil
}

// dispatchRequest pushes the sync request over the wire. Manual
// requests try the fast transport first and escalate to the fallback
// when no completion signal arrives within the escalation window.
func (s *Orchestrator) dispatchRequest(ctx context.Context, snapshot Session) {
	defer s.wg.Done()

	req := Request{
		SyncID:        snapshot.SyncID,
		TargetVersion: snapshot.TargetVersion,
		FromVersion:   snapshot.CurrentVersion,
		Manual:        snapshot.Priority == PriorityManual,
	}
	payload, err := msgpack.Marshal(req)
	if err != nil {
		s.fail(snapshot.SyncID, fmt.Errorf("encode sync request: %w", err))
		return
	}
	env := transport.Envelope{
		Type:      transport.TypeSyncRequest,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}

	if snapshot.Priority != PriorityManual || s.fast == nil || !s.fast.Available() {
		out := s.fallback
		if out == nil {
			out = s.fast
		}
		s.sendRequest(ctx, out, env, snapshot.SyncID)
		return
	}

	s.sendRequest(ctx, s.fast, env, snapshot.SyncID)

	select {
	case <-s.quit:
		return
	case <-ctx.Done():
		return
	case <-time.After(s.escalateAfter):
	}

	if sess, err := s.Session(snapshot.SyncID); err != nil || sess.Status.Terminal() {
		return
	}
	if s.fallback == nil {
		return
	}

	s.metrics.Escalations.Inc()
	s.logger.Debugf("syncer: session %s escalating to %s", snapshot.SyncID, s.fallback.Name())
	s.sendRequest(ctx, s.fallback, env, snapshot.SyncID)
}

func (s *Orchestrator) sendRequest(ctx context.Context, t transport.Transport, env transport.Envelope, syncID string) {
	if t == nil {
		return
	}
	if err := t.Send(ctx, env); err != nil {
		s.logger.Warningf("syncer: session %s request over %s: %v", syncID, t.Name(), err)
	}
}

// watchdog fails a session that is still running when the hard timeout
// elapses. A stuck session must never hang forever.
func (s *Orchestrator) watchdog(syncID string) {
	defer s.wg.Done()

	select {
	case <-s.quit:
		return
	case <-time.After(s.sessionTimeout):
	}

	s.mtx.Lock()
	sess, ok := s.sessions[syncID]
	if !ok || sess.Status.Terminal() {
		s.mtx.Unlock()
		return
	}
	s.failLocked(sess, ErrSessionTimeout)
	snapshot := sess.Session
	s.mtx.Unlock()

	s.metrics.SessionTimeouts.Inc()
	s.notify(snapshot)
}

// ProcessChunk ingests one chunk into its session. Duplicate indexes
// overwrite, never append, so reprocessing the identical chunk is
// idempotent. Once every chunk arrived the session is finalized.
func (s *Orchestrator) ProcessChunk(c chunker.Chunk, syncID string) error {
	s.mtx.Lock()
	sess, ok := s.sessions[syncID]
	if !ok {
		s.mtx.Unlock()
		return ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		// late or replayed delivery, drop silently
		s.mtx.Unlock()
		s.metrics.LateChunks.Inc()
		return nil
	}
	if c.TargetVersion != sess.TargetVersion {
		s.mtx.Unlock()
		return fmt.Errorf("%w: chunk %d, session target %d", ErrChunkVersion, c.TargetVersion, sess.TargetVersion)
	}

	if _, dup := sess.chunks[c.Index]; dup {
		s.metrics.DuplicateChunks.Inc()
	}
	sess.chunks[c.Index] = c
	sess.TotalChunks = c.Total
	sess.ChunksReceived = len(sess.chunks)
	sess.Progress = float64(sess.ChunksReceived) / float64(sess.TotalChunks) * 100

	if sess.Status == StatusPending {
		sess.Status = StatusInProgress
	}

	if s.statestore != nil {
		if err := s.statestore.Put(fmt.Sprintf("%s%s_%06d", chunkPrefix, syncID, c.Index), c); err != nil {
			s.logger.Warningf("syncer: persist chunk %d of %s: %v", c.Index, syncID, err)
		}
	}

	complete := sess.ChunksReceived == sess.TotalChunks
	snapshot := sess.Session
	s.mtx.Unlock()

	s.metrics.ChunksProcessed.Inc()
	s.notify(snapshot)

	if complete {
		s.finalize(syncID)
	}
	return nil
}

// finalize reassembles and verifies the session's chunk set and hands
// the recovered state to the adopter. Any failure marks the session
// failed; no partial state is ever exposed.
func (s *Orchestrator) finalize(syncID string) {
	s.mtx.Lock()
	sess, ok := s.sessions[syncID]
	if !ok || sess.Status.Terminal() {
		s.mtx.Unlock()
		return
	}
	chunks := make([]chunker.Chunk, 0, len(sess.chunks))
	for _, c := range sess.chunks {
		chunks = append(chunks, c)
	}
	target := sess.TargetVersion
	s.mtx.Unlock()

	var declaredRoot []byte
	if v, ok := s.roots.Get(target); ok {
		declaredRoot = v.([]byte)
	}

	state, err := s.chunker.Reassemble(chunks, declaredRoot)
	if err != nil {
		s.fail(syncID, fmt.Errorf("reassemble: %w", err))
		return
	}

	// the chunk tree already matched the declared root; the recovered
	// state must additionally agree with its own sealed root
	ok, err = state.VerifyRoot()
	if err != nil {
		s.fail(syncID, fmt.Errorf("verify recovered state: %w", err))
		return
	}
	if !ok {
		s.fail(syncID, errors.New("recovered state root mismatch"))
		return
	}

	if err := s.adopter.AdoptState(state, declaredRoot); err != nil {
		s.fail(syncID, fmt.Errorf("adopt state: %w", err))
		return
	}

	s.mtx.Lock()
	sess, ok = s.sessions[syncID]
	if !ok || sess.Status.Terminal() {
		s.mtx.Unlock()
		return
	}
	sess.Status = StatusCompleted
	sess.CurrentVersion = sess.TargetVersion
	sess.EndTime = time.Now()
	snapshot := sess.Session
	s.mtx.Unlock()

	s.clearChunks(syncID)
	s.metrics.SessionsCompleted.Inc()
	s.logger.Infof("syncer: session %s completed at version %d", syncID, snapshot.TargetVersion)
	s.notify(snapshot)
}

// Session returns a snapshot of the session with the given id.
func (s *Orchestrator) Session(syncID string) (Session, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	sess, ok := s.sessions[syncID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess.Session, nil
}

// Sessions returns snapshots of all known sessions.
func (s *Orchestrator) Sessions() []Session {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Session)
	}
	return out
}

func (s *Orchestrator) fail(syncID string, reason error) {
	s.mtx.Lock()
	sess, ok := s.sessions[syncID]
	if !ok || sess.Status.Terminal() {
		s.mtx.Unlock()
		return
	}
	s.failLocked(sess, reason)
	snapshot := sess.Session
	s.mtx.Unlock()

	s.clearChunks(syncID)
	s.notify(snapshot)
}

// failLocked marks a session failed. Caller holds the lock.
func (s *Orchestrator) failLocked(sess *session, reason error) {
	sess.Status = StatusFailed
	sess.Err = reason.Error()
	sess.EndTime = time.Now()
	s.metrics.SessionsFailed.Inc()
	s.logger.Warningf("syncer: session %s failed: %v", sess.SyncID, reason)
}

func (s *Orchestrator) clearChunks(syncID string) {
	if s.statestore == nil {
		return
	}
	prefix := chunkPrefix + syncID + "_"
	var keys []string
	_ = s.statestore.Iterate(prefix, func(k, _ []byte) (bool, error) {
		keys = append(keys, string(k))
		return false, nil
	})
	for _, k := range keys {
		if err := s.statestore.Delete(k); err != nil {
			s.logger.Warningf("syncer: clear chunk %s: %v", k, err)
		}
	}
}

func (s *Orchestrator) notify(snapshot Session) {
	s.mtx.Lock()
	listeners := append(([]func(Session))(nil), s.listeners...)
	s.mtx.Unlock()
	for _, f := range listeners {
		f(snapshot)
	}
}

// Close stops the background loops.
func (s *Orchestrator) Close() error {
	close(s.quit)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return errors.New("syncer: shutting down with running goroutines")
	}
	return nil
}
