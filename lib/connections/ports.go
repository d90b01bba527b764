// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var ErrBindExhausted = errors.New("no free port in range")

// ListenRange probes the port range sequentially and returns a listener on
// the first port that binds; the caller keeps it for its lifetime. The
// same discipline is used for the control channel and for every transfer,
// over their respective ranges.
func ListenRange(host string, first, last int) (net.Listener, error) {
	var firstErr error
	for port := first; port <= last; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return listener, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("%w [%d, %d]: %v", ErrBindExhausted, first, last, firstErr)
}
