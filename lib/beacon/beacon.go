// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package beacon sends and receives UDP identity announcements on the
// discovery port.
package beacon

import (
	"context"
	"fmt"
	"net"
	stdsync "sync"

	"github.com/thejerf/suture/v4"
)

type recv struct {
	data []byte
	src  net.Addr
}

type send struct {
	data []byte
	dst  *net.UDPAddr // nil means broadcast
}

type Interface interface {
	suture.Service
	fmt.Stringer
	// Send queues data for transmission to the broadcast address.
	Send(data []byte)
	// SendTo queues data for transmission to a specific address.
	SendTo(data []byte, dst *net.UDPAddr)
	// Recv returns the next received datagram and its source address.
	Recv(ctx context.Context) ([]byte, net.Addr, error)
	Error() error
}

type errorHolder struct {
	err error
	mut stdsync.Mutex
}

func (e *errorHolder) setError(err error) {
	e.mut.Lock()
	e.err = err
	e.mut.Unlock()
}

func (e *errorHolder) Error() error {
	e.mut.Lock()
	err := e.err
	e.mut.Unlock()
	return err
}
