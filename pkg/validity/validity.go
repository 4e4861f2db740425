// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package validity defines the optional proof-of-validity collaborator.
// The engine treats the produced artifact as opaque: a nil error means
// the move is provable, nothing else is inspected.
package validity

import (
	"context"

	"github.com/TJ456/monad-chain-game-sub000/pkg/gamestate"
)

// Prover produces a verifiable artifact for a move in a state context.
type Prover interface {
	Prove(ctx context.Context, move gamestate.Move, state *gamestate.State) ([]byte, error)
}
