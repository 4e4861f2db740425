// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package checkpoint_test

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/TJ456/monad-chain-game-sub000/pkg/checkpoint"
	"github.com/TJ456/monad-chain-game-sub000/pkg/codec"
	"github.com/TJ456/monad-chain-game-sub000/pkg/gamestate"
	"github.com/TJ456/monad-chain-game-sub000/pkg/logging"
	"github.com/TJ456/monad-chain-game-sub000/pkg/statestore/mock"
	"github.com/TJ456/monad-chain-game-sub000/pkg/storage"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

type provider struct {
	state *gamestate.State
}

func (p *provider) CurrentState() *gamestate.State { return p.state.Clone() }

func newProvider(version uint64) *provider {
	s := gamestate.New()
	s.Version = version
	s.TurnOwner = "alice"
	s.Players = map[string]gamestate.Player{
		"alice": {Health: 20, Mana: 1},
		"bob":   {Health: 19, Mana: 2},
	}
	s.Deck = []string{"c1", "c2"}
	s.Hands = map[string][]string{"alice": {"c3"}}
	if err := s.SealRoot(); err != nil {
		panic(err)
	}
	return &provider{state: s}
}

func newStore(t *testing.T, p *provider, o *checkpoint.Options) *checkpoint.Store {
	t.Helper()
	s, err := checkpoint.New(p, mock.NewStateStore(), codec.NewLZ4(), logging.New(io.Discard, logrus.ErrorLevel), o)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateRestoreRoundTrip(t *testing.T) {
	p := newProvider(3)
	store := newStore(t, p, nil)

	cp, err := store.Create(checkpoint.TypeManual, "")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Version != 3 {
		t.Fatalf("checkpoint version %d, want 3", cp.Version)
	}

	state, err := store.Restore(cp.ID)
	if err != nil {
		t.Fatal(err)
	}

	root, err := state.ComputeRoot()
	if err != nil {
		t.Fatal(err)
	}
	if string(root) != string(cp.MerkleRoot) {
		t.Fatal("restored state root differs from stored root")
	}
	if diff := cmp.Diff(p.state, state); diff != "" {
		t.Fatalf("restored state mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateCompressesLargeSnapshots(t *testing.T) {
	p := newProvider(1)
	for i := 0; i < 2000; i++ {
		p.state.Deck = append(p.state.Deck, fmt.Sprintf("card-%06d", i))
	}
	if err := p.state.SealRoot(); err != nil {
		t.Fatal(err)
	}
	store := newStore(t, p, nil)

	cp, err := store.Create(checkpoint.TypePeriodic, "")
	if err != nil {
		t.Fatal(err)
	}
	if !cp.Compressed {
		t.Fatal("large snapshot was not compressed")
	}

	if _, err := store.Restore(cp.ID); err != nil {
		t.Fatal(err)
	}
}

func TestRestoreUnknownID(t *testing.T) {
	store := newStore(t, newProvider(1), nil)

	if _, err := store.Restore("nope"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("got error %v, want %v", err, checkpoint.ErrNotFound)
	}
}

// corruptPersisted flips a bit in the stored root of the persisted
// checkpoint, behind the store's back.
func corruptPersisted(t *testing.T, st storage.StateStorer, id string) {
	t.Helper()
	var stored checkpoint.Checkpoint
	if err := st.Get("checkpoint_"+id, &stored); err != nil {
		t.Fatal(err)
	}
	stored.MerkleRoot[0] ^= 0x01
	if err := st.Put("checkpoint_"+id, &stored); err != nil {
		t.Fatal(err)
	}
}

func TestRestoreRefusesTamperedSnapshot(t *testing.T) {
	st := mock.NewStateStore()
	p := newProvider(2)
	logger := logging.New(io.Discard, logrus.ErrorLevel)

	store, err := checkpoint.New(p, st, codec.NewLZ4(), logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := store.Create(checkpoint.TypeManual, "")
	if err != nil {
		t.Fatal(err)
	}

	corruptPersisted(t, st, cp.ID)

	// a store reloading the tampered snapshot must refuse to restore it
	reloaded, err := checkpoint.New(p, st, codec.NewLZ4(), logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reloaded.Restore(cp.ID); !errors.Is(err, checkpoint.ErrIntegrity) {
		t.Fatalf("got error %v, want %v", err, checkpoint.ErrIntegrity)
	}
}

func TestGetAndListReturnCopies(t *testing.T) {
	p := newProvider(3)
	store := newStore(t, p, nil)

	cp, err := store.Create(checkpoint.TypeManual, "")
	if err != nil {
		t.Fatal(err)
	}

	// caller-side mutation must not reach the stored checkpoint
	cp.MerkleRoot[0] ^= 0x01
	got, err := store.Get(cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.MerkleRoot[0] ^= 0x01
	got.Snapshot[0] ^= 0x01
	for _, c := range store.List() {
		c.Snapshot[0] ^= 0x01
	}

	if _, err := store.Restore(cp.ID); err != nil {
		t.Fatalf("restore after caller-side mutation: %v", err)
	}
}

func TestEvictionRespectsPolicy(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	p := newProvider(1)
	store := newStore(t, p, &checkpoint.Options{
		Policy: checkpoint.Policy{
			MaxCheckpoints: 4,
			RetainRecent:   2,
			FreshWindow:    time.Minute,
		},
		Clock: clock,
	})

	var first *checkpoint.Checkpoint
	for i := 0; i < 8; i++ {
		cp, err := store.Create(checkpoint.TypePeriodic, "")
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = cp
		}
		now = now.Add(2 * time.Minute) // age out of the freshness window
	}

	list := store.List()
	if len(list) > 4 {
		t.Fatalf("store holds %d checkpoints, cap is 4", len(list))
	}
	if _, err := store.Get(first.ID); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatal("oldest checkpoint survived eviction")
	}
}

func TestEvictionKeepsPinned(t *testing.T) {
	now := time.Now()
	p := newProvider(1)
	store := newStore(t, p, &checkpoint.Options{
		Policy: checkpoint.Policy{
			MaxCheckpoints: 3,
			RetainRecent:   1,
			FreshWindow:    time.Millisecond,
		},
		Clock: func() time.Time { return now },
	})

	pinned, err := store.Create(checkpoint.TypeManual, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Pin(pinned.ID); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		now = now.Add(time.Minute)
		if _, err := store.Create(checkpoint.TypePeriodic, ""); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := store.Get(pinned.ID); err != nil {
		t.Fatal("pinned checkpoint was evicted")
	}
}

func TestLatestVerifiedSkipsCorrupt(t *testing.T) {
	now := time.Now()
	st := mock.NewStateStore()
	p := newProvider(5)
	logger := logging.New(io.Discard, logrus.ErrorLevel)
	opts := &checkpoint.Options{
		Policy: checkpoint.DefaultPolicy(),
		Clock:  func() time.Time { return now },
	}

	store, err := checkpoint.New(p, st, codec.NewLZ4(), logger, opts)
	if err != nil {
		t.Fatal(err)
	}
	good, err := store.Create(checkpoint.TypeManual, "")
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Minute)
	bad, err := store.Create(checkpoint.TypeManual, "")
	if err != nil {
		t.Fatal(err)
	}
	corruptPersisted(t, st, bad.ID) // newer but corrupt

	reloaded, err := checkpoint.New(p, st, codec.NewLZ4(), logger, opts)
	if err != nil {
		t.Fatal(err)
	}
	cp, state, err := reloaded.LatestVerified()
	if err != nil {
		t.Fatal(err)
	}
	if cp.ID != good.ID {
		t.Fatalf("latest verified is %s, want %s", cp.ID, good.ID)
	}
	if state.Version != 5 {
		t.Fatalf("restored version %d, want 5", state.Version)
	}
}

func TestReloadFromStateStore(t *testing.T) {
	st := mock.NewStateStore()
	p := newProvider(9)
	logger := logging.New(io.Discard, logrus.ErrorLevel)

	store, err := checkpoint.New(p, st, codec.NewLZ4(), logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := store.Create(checkpoint.TypeManual, "")
	if err != nil {
		t.Fatal(err)
	}

	// new store over the same backing statestore sees the checkpoint
	reloaded, err := checkpoint.New(p, st, codec.NewLZ4(), logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	state, err := reloaded.Restore(cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Version != 9 {
		t.Fatalf("restored version %d, want 9", state.Version)
	}
}
