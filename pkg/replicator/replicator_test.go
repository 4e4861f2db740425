// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package replicator_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/TJ456/monad-chain-game-sub000/pkg/checkpoint"
	"github.com/TJ456/monad-chain-game-sub000/pkg/codec"
	"github.com/TJ456/monad-chain-game-sub000/pkg/gamestate"
	"github.com/TJ456/monad-chain-game-sub000/pkg/logging"
	"github.com/TJ456/monad-chain-game-sub000/pkg/replicator"
	"github.com/TJ456/monad-chain-game-sub000/pkg/statestore/mock"
	"github.com/TJ456/monad-chain-game-sub000/pkg/transport"
	transportmock "github.com/TJ456/monad-chain-game-sub000/pkg/transport/mock"
	validitymock "github.com/TJ456/monad-chain-game-sub000/pkg/validity/mock"

	"github.com/sirupsen/logrus"
)

func initialState() *gamestate.State {
	s := gamestate.New()
	s.Version = 5
	s.TurnOwner = "alice"
	s.Players = map[string]gamestate.Player{
		"alice": {Health: 20, Mana: 5},
		"bob":   {Health: 15, Mana: 3},
	}
	s.Hands = map[string][]string{
		"alice": {"c1", "c2"},
		"bob":   {"c3"},
	}
	if err := s.SealRoot(); err != nil {
		panic(err)
	}
	return s
}

type events struct {
	mtx  sync.Mutex
	seen []replicator.Event
}

func (e *events) record(ev replicator.Event) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.seen = append(e.seen, ev)
}

func (e *events) kinds() []string {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	out := make([]string, 0, len(e.seen))
	for _, ev := range e.seen {
		out = append(out, ev.Kind)
	}
	return out
}

func (e *events) has(kind string) bool {
	for _, k := range e.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func newReplicator(t *testing.T, o *replicator.Options) (*replicator.Replicator, *transportmock.Transport, *events) {
	t.Helper()
	if o == nil {
		o = &replicator.Options{}
	}
	o.DisableAudit = true

	tr := transportmock.New("mock")
	r, err := replicator.New("alice", initialState(), []transport.Transport{tr}, logging.New(io.Discard, logrus.ErrorLevel), o)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}
	})

	ev := &events{}
	r.Subscribe(ev.record)
	return r, tr, ev
}

// withCheckpoints wires a checkpoint store backed by an in-memory
// statestore, the way the node assembles the two.
func withCheckpoints(t *testing.T, r *replicator.Replicator) *checkpoint.Store {
	t.Helper()
	cp, err := checkpoint.New(r, mock.NewStateStore(), codec.Noop{}, logging.New(io.Discard, logrus.ErrorLevel), nil)
	if err != nil {
		t.Fatal(err)
	}
	r.SetCheckpointer(cp)
	return cp
}

func TestApplyUpdateDropsStale(t *testing.T) {
	r, tr, ev := newReplicator(t, nil)

	stale := initialState()
	stale.Version = 3
	stale.TurnOwner = "bob"
	if err := stale.SealRoot(); err != nil {
		t.Fatal(err)
	}

	if err := r.ApplyUpdate(context.Background(), stale, true); err != nil {
		t.Fatal(err)
	}
	if got := r.CurrentState(); got.Version != 5 || got.TurnOwner != "alice" {
		t.Fatalf("stale update mutated state: version %d owner %s", got.Version, got.TurnOwner)
	}
	if len(tr.Sent()) != 0 {
		t.Fatal("stale update was broadcast")
	}
	if len(ev.kinds()) != 0 {
		t.Fatalf("stale update raised events: %v", ev.kinds())
	}
}

func TestApplyUpdateAdoptsNewerAndBroadcasts(t *testing.T) {
	r, tr, ev := newReplicator(t, nil)

	newer := initialState()
	newer.Version = 9
	newer.TurnOwner = "bob"
	if err := newer.SealRoot(); err != nil {
		t.Fatal(err)
	}

	if err := r.ApplyUpdate(context.Background(), newer, true); err != nil {
		t.Fatal(err)
	}

	got := r.CurrentState()
	if got.Version != 9 {
		t.Fatalf("version %d, want 9", got.Version)
	}
	if ok, err := got.VerifyRoot(); err != nil || !ok {
		t.Fatalf("adopted state root not sealed: ok=%v err=%v", ok, err)
	}
	if r.SyncedVersion() != 9 {
		t.Fatalf("synced version %d, want 9", r.SyncedVersion())
	}
	if !ev.has(replicator.EventStateUpdated) {
		t.Fatal("no state updated event")
	}

	sent := tr.Sent()
	if len(sent) != 1 || sent[0].Type != transport.TypeStateUpdate {
		t.Fatalf("broadcast envelopes %d, want 1 state update", len(sent))
	}

	var decoded gamestate.State
	if err := decoded.UnmarshalBinary(sent[0].Payload); err != nil {
		t.Fatal(err)
	}
	if decoded.Version != 9 {
		t.Fatalf("broadcast payload version %d, want 9", decoded.Version)
	}
}

func TestApplyUpdateSameVersionResolvesConflict(t *testing.T) {
	r, _, ev := newReplicator(t, nil)

	conflicting := initialState()
	conflicting.TurnOwner = "bob" // same version, different content
	if err := conflicting.SealRoot(); err != nil {
		t.Fatal(err)
	}

	if err := r.ApplyUpdate(context.Background(), conflicting, false); err != nil {
		t.Fatal(err)
	}

	got := r.CurrentState()
	if got.Version != 6 {
		t.Fatalf("merged version %d, want 6", got.Version)
	}
	if got.TurnOwner != "bob" {
		t.Fatal("merge did not adopt remote turn owner")
	}
	if !ev.has(replicator.EventConflictResolved) {
		t.Fatalf("no conflict resolved event, got %v", ev.kinds())
	}
	if !ev.has(replicator.EventTurnOwnerWarning) {
		t.Fatalf("no turn owner warning, got %v", ev.kinds())
	}
}

func TestApplyUpdateSameVersionSameContentIsNoop(t *testing.T) {
	r, tr, ev := newReplicator(t, nil)

	same := r.CurrentState()
	if err := r.ApplyUpdate(context.Background(), same, true); err != nil {
		t.Fatal(err)
	}
	if got := r.CurrentState(); got.Version != 5 {
		t.Fatalf("identical update bumped version to %d", got.Version)
	}
	if len(tr.Sent()) != 0 || len(ev.kinds()) != 0 {
		t.Fatal("identical update produced side effects")
	}
}

func TestRecordMoveAppliesJournalsAndCheckpoints(t *testing.T) {
	r, tr, _ := newReplicator(t, nil)
	cp := withCheckpoints(t, r)

	move := gamestate.Move{ID: "m1", Player: "alice", Card: "c1"}
	if err := r.RecordMove(context.Background(), move); err != nil {
		t.Fatal(err)
	}

	got := r.CurrentState()
	if got.Version != 6 {
		t.Fatalf("version %d after move, want 6", got.Version)
	}
	if got.LastMove == nil || got.LastMove.ID != "m1" {
		t.Fatal("last move not recorded")
	}
	for _, c := range got.Hands["alice"] {
		if c == "c1" {
			t.Fatal("played card still in hand")
		}
	}
	if ok, err := got.VerifyRoot(); err != nil || !ok {
		t.Fatalf("state root not sealed after move: ok=%v err=%v", ok, err)
	}

	hist := r.History()
	if len(hist) != 1 || hist[0].MoveID != "m1" || hist[0].Version != 6 {
		t.Fatalf("history %+v, want one entry for m1 at version 6", hist)
	}

	cps := cp.List()
	if len(cps) != 1 || cps[0].Type != checkpoint.TypeMoveApplied || cps[0].MoveID != "m1" {
		t.Fatalf("checkpoints %+v, want one move-applied for m1", cps)
	}
	if cps[0].Version != 5 {
		t.Fatalf("checkpoint version %d, want pre-move 5", cps[0].Version)
	}

	if len(tr.Sent()) != 1 {
		t.Fatalf("broadcasts %d, want 1", len(tr.Sent()))
	}
}

func TestRecordMoveRejectedByProver(t *testing.T) {
	proverErr := errors.New("invalid move")
	r, tr, _ := newReplicator(t, &replicator.Options{
		Prover: validitymock.New(nil, proverErr),
	})

	err := r.RecordMove(context.Background(), gamestate.Move{ID: "m1", Player: "alice", Card: "c1"})
	if !errors.Is(err, replicator.ErrMoveRejected) {
		t.Fatalf("got error %v, want %v", err, replicator.ErrMoveRejected)
	}

	if got := r.CurrentState(); got.Version != 5 || got.LastMove != nil {
		t.Fatal("rejected move mutated state")
	}
	if len(r.History()) != 0 {
		t.Fatal("rejected move journaled")
	}
	if len(tr.Sent()) != 0 {
		t.Fatal("rejected move broadcast")
	}
}

func TestRecordMoveConsultsProver(t *testing.T) {
	prover := validitymock.New([]byte("proof"), nil)
	r, _, _ := newReplicator(t, &replicator.Options{Prover: prover})

	if err := r.RecordMove(context.Background(), gamestate.Move{ID: "m1", Player: "alice", Card: "c1"}); err != nil {
		t.Fatal(err)
	}
	if prover.Calls() != 1 {
		t.Fatalf("prover called %d times, want 1", prover.Calls())
	}
}

func TestRollbackToMove(t *testing.T) {
	r, _, ev := newReplicator(t, nil)
	ctx := context.Background()

	for _, m := range []gamestate.Move{
		{ID: "m1", Player: "alice", Card: "c1"},
		{ID: "m2", Player: "alice", Card: "c2"},
		{ID: "m3", Player: "bob", Card: "c3"},
	} {
		if err := r.RecordMove(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.CurrentState(); got.Version != 8 {
		t.Fatalf("version %d after three moves, want 8", got.Version)
	}

	if err := r.RollbackToMove("m2"); err != nil {
		t.Fatal(err)
	}

	got := r.CurrentState()
	if got.Version != 6 {
		t.Fatalf("version %d after rollback, want 6 (state before m2)", got.Version)
	}
	if got.LastMove == nil || got.LastMove.ID != "m1" {
		t.Fatal("rollback did not restore pre-m2 last move")
	}
	if ok, err := got.VerifyRoot(); err != nil || !ok {
		t.Fatalf("rolled back state root not sealed: ok=%v err=%v", ok, err)
	}

	hist := r.History()
	if len(hist) != 1 || hist[0].MoveID != "m1" {
		t.Fatalf("history after rollback %+v, want only m1", hist)
	}
	if !ev.has(replicator.EventRollbackPerformed) {
		t.Fatal("no rollback event")
	}
}

func TestRollbackToUnknownMoveLeavesStateUntouched(t *testing.T) {
	r, _, _ := newReplicator(t, nil)
	if err := r.RecordMove(context.Background(), gamestate.Move{ID: "m1", Player: "alice", Card: "c1"}); err != nil {
		t.Fatal(err)
	}
	before := r.CurrentState()

	err := r.RollbackToMove("no-such-move")
	if !errors.Is(err, replicator.ErrMoveNotFound) {
		t.Fatalf("got error %v, want %v", err, replicator.ErrMoveNotFound)
	}
	after := r.CurrentState()
	if after.Version != before.Version || !after.ContentEqual(before) {
		t.Fatal("failed rollback mutated state")
	}
	if len(r.History()) != 1 {
		t.Fatal("failed rollback truncated history")
	}
}

func TestAuditDetectsTamperAndRestores(t *testing.T) {
	r, _, ev := newReplicator(t, nil)
	cp := withCheckpoints(t, r)
	if _, err := cp.Create(checkpoint.TypeManual, ""); err != nil {
		t.Fatal(err)
	}

	// out-of-band mutation: counters change, sealed root does not
	r.Corrupt(func(s *gamestate.State) {
		p := s.Players["alice"]
		p.Health = 99
		s.Players["alice"] = p
	})

	if err := r.Audit(); err != nil {
		t.Fatal(err)
	}

	if !ev.has(replicator.EventTamperDetected) {
		t.Fatalf("no tamper event, got %v", ev.kinds())
	}
	if !ev.has(replicator.EventRollbackPerformed) {
		t.Fatalf("no rollback event, got %v", ev.kinds())
	}

	got := r.CurrentState()
	if got.Players["alice"].Health != 20 {
		t.Fatalf("health %d after restore, want checkpointed 20", got.Players["alice"].Health)
	}
	if ok, err := got.VerifyRoot(); err != nil || !ok {
		t.Fatalf("restored state root invalid: ok=%v err=%v", ok, err)
	}
	if got.LastVerified != got.Version {
		t.Fatalf("last verified %d, want %d", got.LastVerified, got.Version)
	}
}

func TestAuditPassesOnHealthyState(t *testing.T) {
	r, _, ev := newReplicator(t, nil)
	if err := r.RecordMove(context.Background(), gamestate.Move{ID: "m1", Player: "alice", Card: "c1"}); err != nil {
		t.Fatal(err)
	}
	ev.mtx.Lock()
	ev.seen = nil
	ev.mtx.Unlock()

	if err := r.Audit(); err != nil {
		t.Fatal(err)
	}
	if len(ev.kinds()) != 0 {
		t.Fatalf("healthy audit raised events: %v", ev.kinds())
	}
	if got := r.CurrentState(); got.LastVerified != got.Version {
		t.Fatalf("last verified %d, want %d", got.LastVerified, got.Version)
	}
	hist := r.History()
	if len(hist) != 1 || !hist[0].Verified {
		t.Fatalf("history entry not marked verified after audit: %+v", hist)
	}
}

func TestAdoptStateReplacesWhenAhead(t *testing.T) {
	r, _, _ := newReplicator(t, nil)

	synced := initialState()
	synced.Version = 12
	if err := synced.SealRoot(); err != nil {
		t.Fatal(err)
	}
	if err := r.AdoptState(synced, nil); err != nil {
		t.Fatal(err)
	}
	if r.SyncedVersion() != 12 {
		t.Fatalf("synced version %d, want 12", r.SyncedVersion())
	}
	if got := r.CurrentState(); got.LastVerified != 12 {
		t.Fatalf("last verified %d, want 12", got.LastVerified)
	}

	// adoption behind the canonical version is a no-op
	behind := initialState()
	behind.Version = 4
	if err := behind.SealRoot(); err != nil {
		t.Fatal(err)
	}
	if err := r.AdoptState(behind, nil); err != nil {
		t.Fatal(err)
	}
	if got := r.CurrentState(); got.Version != 12 {
		t.Fatalf("version %d after behind adoption, want 12", got.Version)
	}
}

func TestHistoryRingIsBounded(t *testing.T) {
	r, _, _ := newReplicator(t, nil)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		m := gamestate.Move{ID: fmt.Sprintf("m%d", i), Player: "alice", Card: "cX"}
		if err := r.RecordMove(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(r.History()); got != 50 {
		t.Fatalf("history length %d, want capped 50", got)
	}
}
