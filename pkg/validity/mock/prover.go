// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mock provides a canned validity prover for tests.
package mock

import (
	"context"
	"sync"

	"github.com/TJ456/monad-chain-game-sub000/pkg/gamestate"
	"github.com/TJ456/monad-chain-game-sub000/pkg/validity"
)

// Prover returns a fixed artifact or error and counts invocations.
type Prover struct {
	mtx      sync.Mutex
	artifact []byte
	err      error
	calls    int
}

var _ validity.Prover = (*Prover)(nil)

func New(artifact []byte, err error) *Prover {
	return &Prover{artifact: artifact, err: err}
}

func (p *Prover) Prove(context.Context, gamestate.Move, *gamestate.State) ([]byte, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.artifact, nil
}

// Calls returns how many proofs were requested.
func (p *Prover) Calls() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.calls
}
