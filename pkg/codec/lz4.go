// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// LZ4 implements Codec using the lz4 frame format.
type LZ4 struct{}

var _ Codec = (*LZ4)(nil)

// NewLZ4 returns an lz4-backed codec.
func NewLZ4() *LZ4 {
	return &LZ4{}
}

func (c *LZ4) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *LZ4) Decompress(blob []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(blob))
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 read: %w", err)
	}
	return data, nil
}
