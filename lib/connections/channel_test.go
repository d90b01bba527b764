// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gconnect/gconnect/lib/protocol"
)

// establishPair runs a full client/server establishment over loopback TCP
// and returns both ends.
func establishPair(t *testing.T, initiator, acceptor testPeer) (*Channel, *Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	type result struct {
		c   *Channel
		err error
	}
	serverRes := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			serverRes <- result{nil, err}
			return
		}
		c := newChannel(conn, roleServer, acceptor.identity.Packet())
		serverRes <- result{c, c.Handshake(ctx, acceptor.serverCfg)}
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	client := newChannel(conn, roleClient, initiator.identity.Packet())
	client.SetRemoteIdentity(acceptor.identity.Packet())
	if err := client.Handshake(ctx, initiator.clientCfg); err != nil {
		t.Fatal("client handshake:", err)
	}

	res := <-serverRes
	if res.err != nil {
		t.Fatal("server handshake:", res.err)
	}
	return client, res.c
}

func TestChannelEstablishment(t *testing.T) {
	peerA := newTestPeer(t, "device-a")
	peerB := newTestPeer(t, "device-b")

	client, server := establishPair(t, peerA, peerB)
	defer client.Close()
	defer server.Close()

	if got := server.DeviceID(); got != "device-a" {
		t.Error("server sees wrong peer:", got)
	}
	if got := client.DeviceID(); got != "device-b" {
		t.Error("client sees wrong peer:", got)
	}

	// The recorded remote host is the resolved socket address, not
	// whatever was announced.
	if host := server.RemoteIdentity().TCPHost(); host != "127.0.0.1" {
		t.Error("server recorded host:", host)
	}

	// Application packets flow over the encrypted stream.
	ping := protocol.Packet{Type: "kdeconnect.ping", Body: map[string]interface{}{}}
	if err := client.WritePacket(ping); err != nil {
		t.Fatal(err)
	}
	got, err := server.ReadPacket()
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != "kdeconnect.ping" {
		t.Error("unexpected packet type:", got.Type)
	}
}

func TestChannelAttachOnce(t *testing.T) {
	peerA := newTestPeer(t, "device-a")
	peerB := newTestPeer(t, "device-b")

	client, server := establishPair(t, peerA, peerB)
	defer client.Close()
	defer server.Close()

	if err := client.Attach("device-b"); err != nil {
		t.Fatal(err)
	}
	// Reattaching to the same device is a no-op...
	if err := client.Attach("device-b"); err != nil {
		t.Fatal(err)
	}
	// ...but a different device is not permitted.
	if err := client.Attach("device-c"); err == nil {
		t.Error("expected error on reattachment to another device")
	}
	if got := client.AttachedTo(); got != "device-b" {
		t.Error("unexpected owner:", got)
	}
}

func TestChannelRejectsGarbageIdentity(t *testing.T) {
	peerB := newTestPeer(t, "device-b")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	errc := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			errc <- err
			return
		}
		c := newChannel(conn, roleServer, peerB.identity.Packet())
		errc <- c.Handshake(context.Background(), peerB.serverCfg)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatal(err)
	}

	if err := <-errc; err == nil {
		t.Error("expected handshake failure on malformed identity")
	}
}

func TestChannelIO(t *testing.T) {
	c := &Channel{}
	if _, err := c.ReadPacket(); err == nil {
		t.Error("expected error reading before establishment")
	}
}
