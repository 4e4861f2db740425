// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package node bootstraps a sync engine node by constructing and
// injecting all of its components: statestore, codec, replicator,
// checkpoint store and sync orchestrator, wired to the supplied
// transports and ordering collaborator.
package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/TJ456/monad-chain-game-sub000/pkg/checkpoint"
	"github.com/TJ456/monad-chain-game-sub000/pkg/chunker"
	"github.com/TJ456/monad-chain-game-sub000/pkg/codec"
	"github.com/TJ456/monad-chain-game-sub000/pkg/crypto"
	"github.com/TJ456/monad-chain-game-sub000/pkg/gamestate"
	"github.com/TJ456/monad-chain-game-sub000/pkg/logging"
	"github.com/TJ456/monad-chain-game-sub000/pkg/merge"
	"github.com/TJ456/monad-chain-game-sub000/pkg/replicator"
	"github.com/TJ456/monad-chain-game-sub000/pkg/statestore/leveldb"
	"github.com/TJ456/monad-chain-game-sub000/pkg/storage"
	"github.com/TJ456/monad-chain-game-sub000/pkg/syncer"
	"github.com/TJ456/monad-chain-game-sub000/pkg/transport"
	"github.com/TJ456/monad-chain-game-sub000/pkg/validity"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
)

// Options configures a Node.
type Options struct {
	DataDir     string // empty runs fully in memory
	LocalPlayer string

	FastTransport     transport.Transport
	FallbackTransport transport.Transport
	HeadSource        syncer.HeadSource

	Strategy merge.Strategy
	Signer   crypto.Signer
	Prover   validity.Prover

	// PeerKeys maps sender ids to their attestation keys. Inbound state
	// updates from a registered sender must carry a signature recovering
	// to that key; senders without a registered key pass through.
	PeerKeys  map[string]*ecdsa.PublicKey
	Recoverer crypto.Recoverer // defaults to the compact-ECDSA recoverer when PeerKeys is set

	SyncPollEvery  time.Duration
	SessionTimeout time.Duration
	AuditEvery     time.Duration
	DisableLoops   bool // tests drive the components directly
}

// Node is a fully wired sync engine instance.
type Node struct {
	logger      logging.Logger
	localPlayer string
	stateStore  storage.StateStorer
	transports  []transport.Transport
	peerKeys    map[string]*ecdsa.PublicKey
	recoverer   crypto.Recoverer

	replicator  *replicator.Replicator
	checkpoints *checkpoint.Store
	chunker     *chunker.Chunker
	syncer      *syncer.Orchestrator

	shutdownMutex      sync.Mutex
	shutdownInProgress bool
}

// New constructs a Node. The components come up bottom-up: statestore,
// replicator, checkpoint store, orchestrator; inbound envelopes from
// notifying transports are dispatched to the replicator and the
// orchestrator.
func New(logger logging.Logger, o *Options) (*Node, error) {
	if o == nil {
		o = &Options{}
	}
	if o.LocalPlayer == "" {
		o.LocalPlayer = "local"
	}

	n := &Node{logger: logger, localPlayer: o.LocalPlayer, peerKeys: o.PeerKeys, recoverer: o.Recoverer}
	if n.recoverer == nil && len(o.PeerKeys) > 0 {
		n.recoverer = crypto.NewDefaultRecoverer()
	}

	var err error
	if o.DataDir == "" {
		n.stateStore, err = leveldb.NewInMemoryStateStore(logger)
		if err != nil {
			return nil, fmt.Errorf("statestore: %w", err)
		}
	} else {
		n.stateStore, err = leveldb.NewStateStore(filepath.Join(o.DataDir, "statestore"), logger)
		if err != nil {
			return nil, fmt.Errorf("statestore: %w", err)
		}
	}

	var transports []transport.Transport
	if o.FastTransport != nil {
		transports = append(transports, o.FastTransport)
	}
	if o.FallbackTransport != nil {
		transports = append(transports, o.FallbackTransport)
	}

	n.replicator, err = replicator.New(o.LocalPlayer, nil, transports, logger, &replicator.Options{
		Strategy:     o.Strategy,
		Prover:       o.Prover,
		Signer:       o.Signer,
		AuditEvery:   o.AuditEvery,
		DisableAudit: o.DisableLoops,
	})
	if err != nil {
		return nil, fmt.Errorf("replicator: %w", err)
	}

	snapshotCodec := codec.NewLZ4()
	n.checkpoints, err = checkpoint.New(n.replicator, n.stateStore, snapshotCodec, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}
	n.replicator.SetCheckpointer(n.checkpoints)

	n.transports = transports
	n.chunker = chunker.New(snapshotCodec)

	n.syncer, err = syncer.New(
		n.replicator,
		o.HeadSource,
		n.chunker,
		n.stateStore,
		o.FastTransport,
		o.FallbackTransport,
		logger,
		&syncer.Options{
			PollEvery:      o.SyncPollEvery,
			SessionTimeout: o.SessionTimeout,
			DisablePolling: o.DisableLoops || o.HeadSource == nil,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("syncer: %w", err)
	}

	for _, t := range transports {
		notifier, ok := t.(transport.Notifier)
		if !ok {
			continue
		}
		notifier.OnMessage(n.dispatch)
		name := t.Name()
		notifier.OnConnectionChange(func(connected bool) {
			logger.Infof("node: transport %s connected: %v", name, connected)
		})
		notifier.OnQualityChange(func(q transport.QualityMetrics) {
			logger.Debugf("node: transport %s quality: %.0f B/s, rtt %s", name, q.BytesPerSecond, q.RTT)
		})
	}

	return n, nil
}

// dispatch routes one inbound envelope to the owning component.
func (n *Node) dispatch(env transport.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case transport.TypeStateUpdate:
		if !n.verifiedSender(env) {
			return
		}
		state := new(gamestate.State)
		if err := state.UnmarshalBinary(env.Payload); err != nil {
			n.logger.Warningf("node: decode state update from %s: %v", env.Sender, err)
			return
		}
		if err := n.replicator.ApplyUpdate(ctx, state, false); err != nil {
			n.logger.Errorf("node: apply update from %s: %v", env.Sender, err)
		}

	case transport.TypeSyncChunk:
		var msg syncer.ChunkMessage
		if err := msgpack.Unmarshal(env.Payload, &msg); err != nil {
			n.logger.Warningf("node: decode sync chunk from %s: %v", env.Sender, err)
			return
		}
		if err := n.syncer.ProcessChunk(msg.Chunk, msg.SyncID); err != nil {
			n.logger.Warningf("node: process chunk for %s: %v", msg.SyncID, err)
		}

	case transport.TypeSyncRequest:
		var req syncer.Request
		if err := msgpack.Unmarshal(env.Payload, &req); err != nil {
			n.logger.Warningf("node: decode sync request from %s: %v", env.Sender, err)
			return
		}
		n.serveSync(ctx, req)

	default:
		n.logger.Debugf("node: ignoring envelope type %q from %s", env.Type, env.Sender)
	}
}

// verifiedSender checks the envelope signature against the sender's
// registered key.
func (n *Node) verifiedSender(env transport.Envelope) bool {
	want, ok := n.peerKeys[env.Sender]
	if !ok || n.recoverer == nil {
		return true
	}
	got, err := n.recoverer.Recover(env.Signature, env.Payload)
	if err != nil {
		n.logger.Warningf("node: recover signature from %s: %v", env.Sender, err)
		return false
	}
	if !got.Equal(want) {
		n.logger.Warningf("node: dropping update from %s: signature recovers a different key", env.Sender)
		return false
	}
	return true
}

// serveSync answers a peer's sync request with the chunked canonical
// state, provided this node actually holds the requested version. The
// chunk size follows the measured quality of the link the chunks go
// out on.
func (n *Node) serveSync(ctx context.Context, req syncer.Request) {
	state := n.replicator.CurrentState()
	if state.Version != req.TargetVersion {
		n.logger.Debugf("node: cannot serve sync %s: have version %d, asked for %d", req.SyncID, state.Version, req.TargetVersion)
		return
	}

	var out transport.Transport
	for _, t := range n.transports {
		if t != nil && t.Available() {
			out = t
			break
		}
	}
	if out == nil {
		n.logger.Warningf("node: cannot serve sync %s: no transport available", req.SyncID)
		return
	}

	size := chunker.ChunkSizeFor(out.Quality().BytesPerSecond)
	chunks, _, err := n.chunker.Divide(state, req.TargetVersion, size)
	if err != nil {
		n.logger.Errorf("node: divide state for sync %s: %v", req.SyncID, err)
		return
	}

	for _, c := range chunks {
		payload, err := msgpack.Marshal(syncer.ChunkMessage{SyncID: req.SyncID, Chunk: c})
		if err != nil {
			n.logger.Errorf("node: encode chunk %d for sync %s: %v", c.Index, req.SyncID, err)
			return
		}
		env := transport.Envelope{
			Type:      transport.TypeSyncChunk,
			Payload:   payload,
			Timestamp: time.Now().UnixMilli(),
			Sender:    n.localPlayer,
		}
		if err := out.Send(ctx, env); err != nil {
			n.logger.Warningf("node: send chunk %d for sync %s: %v", c.Index, req.SyncID, err)
			return
		}
	}
	n.logger.Debugf("node: served sync %s with %d chunks at version %d", req.SyncID, len(chunks), req.TargetVersion)
}

// Replicator returns the state replicator.
func (n *Node) Replicator() *replicator.Replicator { return n.replicator }

// Checkpoints returns the checkpoint store.
func (n *Node) Checkpoints() *checkpoint.Store { return n.checkpoints }

// Syncer returns the sync orchestrator.
func (n *Node) Syncer() *syncer.Orchestrator { return n.syncer }

// StateStore returns the underlying persistence layer.
func (n *Node) StateStore() storage.StateStorer { return n.stateStore }

// MetricsRegistry returns a registry holding every component's
// collectors plus the logger's line counters.
func (n *Node) MetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range n.replicator.Metrics() {
		reg.MustRegister(c)
	}
	for _, c := range n.checkpoints.Metrics() {
		reg.MustRegister(c)
	}
	for _, c := range n.syncer.Metrics() {
		reg.MustRegister(c)
	}
	if mc, ok := n.logger.(interface {
		Metrics() []prometheus.Collector
	}); ok {
		for _, c := range mc.Metrics() {
			reg.MustRegister(c)
		}
	}
	return reg
}

var ErrShutdownInProgress = fmt.Errorf("node: shutdown in progress")

// Shutdown stops the background loops and closes the statestore. Safe
// to call once; concurrent calls fail fast.
func (n *Node) Shutdown() error {
	n.shutdownMutex.Lock()
	if n.shutdownInProgress {
		n.shutdownMutex.Unlock()
		return ErrShutdownInProgress
	}
	n.shutdownInProgress = true
	n.shutdownMutex.Unlock()

	var mErr error
	tryClose := func(c io.Closer, errMsg string) {
		if c == nil {
			return
		}
		if err := c.Close(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("%s: %w", errMsg, err))
		}
	}

	// the orchestrator and the replicator close concurrently; the
	// statestore must outlive both
	var eg errgroup.Group
	eg.Go(func() error {
		if err := n.syncer.Close(); err != nil {
			return fmt.Errorf("syncer: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := n.replicator.Close(); err != nil {
			return fmt.Errorf("replicator: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		mErr = multierror.Append(mErr, err)
	}

	tryClose(n.stateStore, "statestore")

	return mErr
}
