// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"errors"
	"net"
	"testing"
)

func TestListenRangeSkipsOccupied(t *testing.T) {
	// Occupy a port, then scan a range starting at it. The scan must
	// succeed on a later port in the range.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	listener, err := ListenRange("127.0.0.1", port, port+20)
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	got := listener.Addr().(*net.TCPAddr).Port
	if got == port {
		t.Error("scan bound the occupied port")
	}
	if got < port || got > port+20 {
		t.Errorf("scan bound port %d outside range [%d, %d]", got, port, port+20)
	}
}

func TestListenRangeExhausted(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	if _, err := ListenRange("127.0.0.1", port, port); !errors.Is(err, ErrBindExhausted) {
		t.Errorf("expected ErrBindExhausted, got %v", err)
	}
}
