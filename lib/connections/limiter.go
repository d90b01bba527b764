// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// limiterBurstSize bounds how many tokens we take from the bucket at once.
// Bigger take sizes mean longer pauses between takes.
const limiterBurstSize = 4 * 128 << 10

// NewRateLimiter returns a transfer rate limiter for the given number of
// bytes per second.
func NewRateLimiter(bytesPerSecond int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(bytesPerSecond), limiterBurstSize)
}

// limitedReader applies a token bucket to a transfer stream. A nil limiter
// means unlimited.
type limitedReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *rate.Limiter
}

func (r *limitedReader) Read(buf []byte) (int, error) {
	n, err := r.reader.Read(buf)
	if n > 0 {
		if lerr := takeBucket(r.ctx, r.limiter, n); lerr != nil && err == nil {
			err = lerr
		}
	}
	return n, err
}

// limitedWriter waits for bucket capacity before writing, so the remote
// never sees bytes we were not yet allowed to send.
type limitedWriter struct {
	ctx     context.Context
	writer  io.Writer
	limiter *rate.Limiter
}

func (w *limitedWriter) Write(buf []byte) (int, error) {
	if w.limiter == nil {
		return w.writer.Write(buf)
	}

	written := 0
	for written < len(buf) {
		chunk := len(buf) - written
		if chunk > limiterBurstSize {
			chunk = limiterBurstSize
		}
		if err := takeBucket(w.ctx, w.limiter, chunk); err != nil {
			return written, err
		}
		n, err := w.writer.Write(buf[written : written+chunk])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func takeBucket(ctx context.Context, limiter *rate.Limiter, tokens int) error {
	if limiter == nil {
		return nil
	}
	for tokens > 0 {
		chunk := tokens
		if chunk > limiterBurstSize {
			chunk = limiterBurstSize
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		tokens -= chunk
	}
	return nil
}
