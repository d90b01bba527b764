// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gconnect/gconnect/lib/netutil"
	"github.com/gconnect/gconnect/lib/protocol"
	"github.com/gconnect/gconnect/lib/sync"
)

type channelRole int

const (
	roleClient channelRole = iota // we initiated the TCP connection
	roleServer                    // we accepted it
)

func (r channelRole) String() string {
	if r == roleClient {
		return "client"
	}
	return "server"
}

// handshakeTimeout bounds the identity exchange and the TLS handshake. The
// reference implementation has no such bound; we add one so a hung peer
// cannot pin a connection slot forever.
const handshakeTimeout = 10 * time.Second

var (
	errNotEncrypted    = errors.New("channel is not encrypted yet")
	errAlreadyAttached = errors.New("channel is already attached")
)

// Channel is one negotiated transport connection: a TCP socket carried
// through identity exchange and a role-specific TLS handshake, then
// attached to at most one device. The same type backs the control channel
// and each transfer connection.
type Channel struct {
	raw      net.Conn
	conn     *tls.Conn
	br       *bufio.Reader
	role     channelRole
	local    protocol.Packet
	remote   *protocol.Packet
	attached string
	writeMut sync.Mutex
}

func newChannel(raw net.Conn, role channelRole, localIdentity protocol.Packet) *Channel {
	return &Channel{
		raw:      raw,
		role:     role,
		local:    localIdentity,
		writeMut: sync.NewMutex(),
	}
}

// NewClientChannel returns an unestablished channel over a connection we
// initiated. The caller runs Handshake before any packet I/O.
func NewClientChannel(conn net.Conn, localIdentity protocol.Packet) *Channel {
	return newChannel(conn, roleClient, localIdentity)
}

// NewServerChannel returns an unestablished channel over a connection we
// accepted.
func NewServerChannel(conn net.Conn, localIdentity protocol.Packet) *Channel {
	return newChannel(conn, roleServer, localIdentity)
}

// SetRemoteIdentity records an identity received out of band (via UDP
// discovery) before the handshake runs. The handshake then skips reading
// one from the socket.
func (c *Channel) SetRemoteIdentity(identity protocol.Packet) {
	c.remote = &identity
}

// Handshake performs the three establishment steps in order: identity
// exchange over the raw socket, the role-specific TLS handshake, and
// switching packet I/O onto the encrypted stream. Any failure closes the
// socket; a Channel is never partially established.
func (c *Channel) Handshake(ctx context.Context, tlsCfg *tls.Config) error {
	if err := c.handshake(ctx, tlsCfg); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *Channel) handshake(ctx context.Context, tlsCfg *tls.Config) error {
	_ = c.raw.SetDeadline(time.Now().Add(handshakeTimeout))

	// Identity travels one way on the raw socket: the initiator announces
	// itself, the acceptor reads. The initiator knows the acceptor's
	// identity from the announcement that triggered the connection.
	switch c.role {
	case roleClient:
		if err := c.sendIdentity(c.raw); err != nil {
			return fmt.Errorf("sending identity: %w", err)
		}
	case roleServer:
		if err := c.recvIdentity(c.raw); err != nil {
			return fmt.Errorf("receiving identity: %w", err)
		}
	}

	var tc *tls.Conn
	if c.role == roleClient {
		tc = tls.Client(c.raw, tlsCfg)
	} else {
		tc = tls.Server(c.raw, tlsCfg)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("%s TLS handshake: %w", c.role, err)
	}

	_ = c.raw.SetDeadline(time.Time{})

	// Downstream consumers always see the resolved remote host, whatever
	// the peer announced.
	if c.remote != nil {
		c.remote.Body["tcpHost"] = netutil.HostFromAddr(c.raw.RemoteAddr())
	}

	c.conn = tc
	c.br = bufio.NewReader(tc)
	return nil
}

func (c *Channel) sendIdentity(w io.Writer) error {
	line, err := c.local.MarshalLine()
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}

// recvIdentity reads exactly one identity line from the raw socket. It
// reads byte by byte: anything past the newline belongs to the TLS
// handshake and must stay unread on the socket.
func (c *Channel) recvIdentity(r io.Reader) error {
	var line []byte
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		line = append(line, buf[0])
		if buf[0] == '\n' {
			break
		}
		if len(line) > 65536 {
			return errors.New("identity line too long")
		}
	}

	p, err := protocol.Parse(line)
	if err != nil {
		return err
	}
	c.remote = &p
	return nil
}

// ReadPacket returns the next packet from the encrypted stream.
func (c *Channel) ReadPacket() (protocol.Packet, error) {
	if c.br == nil {
		return protocol.Packet{}, errNotEncrypted
	}
	return protocol.Read(c.br)
}

// WritePacket serializes the packet onto the encrypted stream. Safe for
// concurrent use.
func (c *Channel) WritePacket(p protocol.Packet) error {
	if c.conn == nil {
		return errNotEncrypted
	}
	line, err := p.MarshalLine()
	if err != nil {
		return err
	}
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	_, err = c.conn.Write(line)
	return err
}

// Reader exposes the decrypted byte stream, for payload transfers.
func (c *Channel) Reader() io.Reader {
	return c.br
}

// Writer exposes the encrypting byte stream, for payload transfers.
func (c *Channel) Writer() io.Writer {
	return c.conn
}

// RemoteIdentity returns the identity exchanged during establishment, or
// nil before that.
func (c *Channel) RemoteIdentity() *protocol.Packet {
	return c.remote
}

// DeviceID returns the remote's announced device ID, or the empty string.
func (c *Channel) DeviceID() string {
	if c.remote == nil {
		return ""
	}
	return c.remote.DeviceID()
}

// Attach marks the channel as owned by the given device. A channel is
// owned by at most one device; reattachment is not permitted.
func (c *Channel) Attach(deviceID string) error {
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	if c.attached != "" && c.attached != deviceID {
		return errAlreadyAttached
	}
	c.attached = deviceID
	return nil
}

// AttachedTo returns the owning device ID, or the empty string.
func (c *Channel) AttachedTo() string {
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	return c.attached
}

func (c *Channel) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Close tears down the socket. Any blocked read, write or handshake on the
// channel resolves with an error; this doubles as cancellation.
func (c *Channel) Close() error {
	return c.raw.Close()
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s-%s/%s", c.raw.LocalAddr(), c.raw.RemoteAddr(), c.role)
}
