// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport defines the contract a peer channel must satisfy.
// The engine never talks to a socket directly; it fans envelopes out to
// whatever transports are registered and consumes whatever they hand
// back. Transports may deliver out of order relative to each other.
package transport

import (
	"context"
	"time"
)

// Envelope types understood by the engine.
const (
	TypeStateUpdate = "state_update"
	TypeSyncChunk   = "sync_chunk"
	TypeSyncRequest = "sync_request"
)

// Envelope is the unit handed to a transport for delivery.
type Envelope struct {
	Type      string `msgpack:"type" json:"type"`
	Payload   []byte `msgpack:"payload" json:"payload"`
	Signature []byte `msgpack:"signature,omitempty" json:"signature,omitempty"`
	Timestamp int64  `msgpack:"timestamp" json:"timestamp"`
	Sender    string `msgpack:"sender" json:"sender"`
}

// QualityMetrics describes the measured link quality of a transport.
type QualityMetrics struct {
	BytesPerSecond float64
	RTT            time.Duration
}

// Transport is a single peer channel.
type Transport interface {
	// Send delivers the envelope to the remote side.
	Send(ctx context.Context, env Envelope) error
	// Name identifies the transport in logs and session records.
	Name() string
	// Available reports whether the transport is currently connected.
	Available() bool
	// Quality returns the last measured link quality.
	Quality() QualityMetrics
}

// MessageHandler consumes inbound envelopes.
type MessageHandler func(env Envelope)

// Notifier is implemented by transports that push connection and
// message events to the engine.
type Notifier interface {
	OnMessage(h MessageHandler)
	OnConnectionChange(f func(connected bool))
	OnQualityChange(f func(QualityMetrics))
}
