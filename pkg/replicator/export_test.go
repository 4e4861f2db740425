// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package replicator

import "github.com/TJ456/monad-chain-game-sub000/pkg/gamestate"

// Corrupt mutates the canonical state in place without resealing the
// root, simulating out-of-band tampering.
func (r *Replicator) Corrupt(f func(*gamestate.State)) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	f(r.state)
}
