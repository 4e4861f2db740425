// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package merge reconciles two state updates that claim the same
// version number. Resolution is pure: it returns the merged state plus
// the events it raised and performs no notification dispatch itself;
// the replicator adapts events to observers.
package merge

import (
	"fmt"
	"time"

	"github.com/TJ456/monad-chain-game-sub000/pkg/gamestate"
)

// Strategy selects how a version collision is resolved.
type Strategy string

const (
	// StrategyServerWins adopts the remote state unconditionally.
	StrategyServerWins Strategy = "server-wins"
	// StrategyClientWins keeps the local state and bumps past the
	// remote version.
	StrategyClientWins Strategy = "client-wins"
	// StrategyMerge applies field-level merge rules. Default.
	StrategyMerge Strategy = "merge"
)

// Suspicion thresholds for counters the local peer owns. A remote
// divergence beyond the threshold downgrades to the conservative
// (lower) value instead of being adopted.
const (
	healthSuspicionThreshold = 5 // health runs 0-20
	manaSuspicionThreshold   = 3 // mana runs 0-10
)

// Event kinds raised during resolution.
const (
	EventTamperSuspicion  = "tamper_suspicion"
	EventTurnOwnerWarning = "turn_owner_warning"
)

// Event describes a notable decision taken while merging.
type Event struct {
	Kind   string
	Field  string
	Local  interface{}
	Remote interface{}
	Taken  interface{}
}

func (e Event) String() string {
	return fmt.Sprintf("%s on %s: local=%v remote=%v taken=%v", e.Kind, e.Field, e.Local, e.Remote, e.Taken)
}

// Resolver reconciles same-version updates for one local peer.
type Resolver struct {
	strategy    Strategy
	localPlayer string
	clock       func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStrategy overrides the default merge strategy.
func WithStrategy(s Strategy) Option {
	return func(r *Resolver) { r.strategy = s }
}

// WithClock overrides the timestamp source. Tests only.
func WithClock(c func() time.Time) Option {
	return func(r *Resolver) { r.clock = c }
}

// New creates a Resolver for the given local player id.
func New(localPlayer string, opts ...Option) *Resolver {
	r := &Resolver{
		strategy:    StrategyMerge,
		localPlayer: localPlayer,
		clock:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy { return r.strategy }

// Resolve reconciles local and remote states that carry the same
// version. pending is the local queue of moves not yet confirmed by
// the ordering layer; it breaks last-move ties.
func (r *Resolver) Resolve(local, remote *gamestate.State, pending []gamestate.Move) (*gamestate.State, []Event, error) {
	switch r.strategy {
	case StrategyServerWins:
		merged := remote.Clone()
		if err := merged.SealRoot(); err != nil {
			return nil, nil, err
		}
		return merged, nil, nil

	case StrategyClientWins:
		merged := local.Clone()
		merged.Version = maxVersion(local, remote) + 1
		merged.Timestamp = r.clock().UnixMilli()
		if err := merged.SealRoot(); err != nil {
			return nil, nil, err
		}
		return merged, nil, nil

	case StrategyMerge:
		return r.fieldMerge(local, remote, pending)

	default:
		return nil, nil, fmt.Errorf("merge: unknown strategy %q", r.strategy)
	}
}

func (r *Resolver) fieldMerge(local, remote *gamestate.State, pending []gamestate.Move) (*gamestate.State, []Event, error) {
	var events []Event
	merged := local.Clone()

	// fields the local peer does not own always take the remote value
	if remote.TurnOwner != local.TurnOwner {
		events = append(events, Event{
			Kind:   EventTurnOwnerWarning,
			Field:  "turnOwner",
			Local:  local.TurnOwner,
			Remote: remote.TurnOwner,
			Taken:  remote.TurnOwner,
		})
	}
	merged.TurnOwner = remote.TurnOwner
	merged.Deck = append([]string(nil), remote.Deck...)
	merged.Hands = make(map[string][]string, len(remote.Hands))
	for k, v := range remote.Hands {
		merged.Hands[k] = append([]string(nil), v...)
	}

	merged.Players = make(map[string]gamestate.Player, len(remote.Players))
	for id, rp := range remote.Players {
		if id != r.localPlayer {
			merged.Players[id] = rp
			continue
		}
		lp, ok := local.Players[id]
		if !ok {
			merged.Players[id] = rp
			continue
		}
		merged.Players[id] = r.mergeOwnCounters(id, lp, rp, &events)
	}
	// players only the local side knows about survive
	for id, lp := range local.Players {
		if _, ok := merged.Players[id]; !ok {
			merged.Players[id] = lp
		}
	}

	merged.LastMove = resolveLastMove(local, remote, pending)

	merged.Version = maxVersion(local, remote) + 1
	merged.Timestamp = r.clock().UnixMilli()
	if err := merged.SealRoot(); err != nil {
		return nil, nil, err
	}
	return merged, events, nil
}

// mergeOwnCounters arbitrates the counter block the local peer owns.
// Divergence beyond the suspicion threshold adopts the lower value and
// flags tampering; anything else adopts the remote value.
func (r *Resolver) mergeOwnCounters(id string, local, remote gamestate.Player, events *[]Event) gamestate.Player {
	out := remote

	if diff := abs(local.Health - remote.Health); diff > healthSuspicionThreshold {
		out.Health = min(local.Health, remote.Health)
		*events = append(*events, Event{
			Kind:   EventTamperSuspicion,
			Field:  fmt.Sprintf("players.%s.health", id),
			Local:  local.Health,
			Remote: remote.Health,
			Taken:  out.Health,
		})
	}
	if diff := abs(local.Mana - remote.Mana); diff > manaSuspicionThreshold {
		out.Mana = min(local.Mana, remote.Mana)
		*events = append(*events, Event{
			Kind:   EventTamperSuspicion,
			Field:  fmt.Sprintf("players.%s.mana", id),
			Local:  local.Mana,
			Remote: remote.Mana,
			Taken:  out.Mana,
		})
	}
	if diff := abs(local.Shield - remote.Shield); diff > manaSuspicionThreshold {
		out.Shield = min(local.Shield, remote.Shield)
		*events = append(*events, Event{
			Kind:   EventTamperSuspicion,
			Field:  fmt.Sprintf("players.%s.shield", id),
			Local:  local.Shield,
			Remote: remote.Shield,
			Taken:  out.Shield,
		})
	}
	return out
}

// resolveLastMove prefers the move of the side with the newer update
// timestamp; on a tie, the side whose move sits in the local pending
// queue wins.
func resolveLastMove(local, remote *gamestate.State, pending []gamestate.Move) *gamestate.Move {
	switch {
	case local.LastMove == nil:
		return cloneMove(remote.LastMove)
	case remote.LastMove == nil:
		return cloneMove(local.LastMove)
	}

	switch {
	case remote.Timestamp > local.Timestamp:
		return cloneMove(remote.LastMove)
	case local.Timestamp > remote.Timestamp:
		return cloneMove(local.LastMove)
	}

	if inPending(pending, remote.LastMove.ID) {
		return cloneMove(remote.LastMove)
	}
	if inPending(pending, local.LastMove.ID) {
		return cloneMove(local.LastMove)
	}
	return cloneMove(remote.LastMove)
}

func inPending(pending []gamestate.Move, id string) bool {
	for _, m := range pending {
		if m.ID == id {
			return true
		}
	}
	return false
}

func cloneMove(m *gamestate.Move) *gamestate.Move {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

func maxVersion(a, b *gamestate.State) uint64 {
	if a.Version > b.Version {
		return a.Version
	}
	return b.Version
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
