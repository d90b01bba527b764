// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sync provides mutexes that can log long lock waits when the
// "sync" debug facility is enabled.
package sync

import (
	"fmt"
	stdsync "sync"
	"time"
)

type Mutex interface {
	Lock()
	Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewMutex() Mutex {
	if debug {
		return &loggedMutex{}
	}
	return &stdsync.Mutex{}
}

func NewRWMutex() RWMutex {
	if debug {
		return &loggedRWMutex{}
	}
	return &stdsync.RWMutex{}
}

func NewWaitGroup() WaitGroup {
	return &stdsync.WaitGroup{}
}

type loggedMutex struct {
	stdsync.Mutex
}

func (m *loggedMutex) Lock() {
	start := time.Now()
	m.Mutex.Lock()
	logWait("mutex", start)
}

type loggedRWMutex struct {
	stdsync.RWMutex
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()
	m.RWMutex.Lock()
	logWait("rwmutex", start)
}

func (m *loggedRWMutex) RLock() {
	start := time.Now()
	m.RWMutex.RLock()
	logWait("rwmutex (read)", start)
}

func logWait(kind string, start time.Time) {
	if dur := time.Since(start); dur > threshold {
		l.Debugln(fmt.Sprintf("%s took %v to acquire", kind, dur))
	}
}
