// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package rand implements functions similar to math/rand in the standard
// library, but on top of a secure random number generator.
package rand

import (
	"bufio"
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	mathRand "math/rand"
	"sync"
)

// Reader is the standard crypto/rand.Reader, re-exported for convenience.
var Reader = cryptoRand.Reader

// randomCharset contains the characters that can make up a rand.String().
// Visually similar characters are excluded.
const randomCharset = "2345679abcdefghijkmnopqrstuvwxyzACDEFGHJKLMNPQRSTUVWXYZ"

var defaultSecureRand = mathRand.New(newSecureSource())

// String returns a strongly random string of characters (taken from
// randomCharset) of the specified length.
func String(l int) string {
	bs := make([]byte, l)
	for i := range bs {
		bs[i] = randomCharset[Intn(len(randomCharset))]
	}
	return string(bs)
}

// Int63 returns a strongly random int63.
func Int63() int64 {
	return defaultSecureRand.Int63()
}

// Intn returns, as an int, a non-negative strongly random number in [0,n).
// It panics if n <= 0.
func Intn(n int) int {
	return defaultSecureRand.Intn(n)
}

// secureSource is a math/rand.Source based on crypto/rand, buffered and
// mutexed for concurrent use.
type secureSource struct {
	rd  io.Reader
	mut sync.Mutex
}

func newSecureSource() *secureSource {
	return &secureSource{
		rd: bufio.NewReader(cryptoRand.Reader),
	}
}

func (*secureSource) Seed(int64) {
	panic("seeding is not supported")
}

func (s *secureSource) Int63() int64 {
	return int64(s.Uint64() & (1<<63 - 1))
}

func (s *secureSource) Uint64() uint64 {
	var buf [8]byte
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, err := io.ReadFull(s.rd, buf[:]); err != nil {
		panic("randomness failure: " + err.Error())
	}
	return binary.BigEndian.Uint64(buf[:])
}
