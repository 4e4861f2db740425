// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codec defines the compression codec collaborator used when
// snapshotting and chunking state blobs.
package codec

// Codec compresses and decompresses opaque byte blobs. Implementations
// must guarantee Decompress(Compress(b)) == b.
type Codec interface {
	Compress(data []byte) ([]byte, error)
	Decompress(blob []byte) ([]byte, error)
}

// Noop passes data through unchanged. Useful in tests and for payloads
// below the compression threshold.
type Noop struct{}

func (Noop) Compress(data []byte) ([]byte, error)   { return data, nil }
func (Noop) Decompress(blob []byte) ([]byte, error) { return blob, nil }
