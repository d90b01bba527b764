// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/gconnect/gconnect/lib/config"
	"github.com/gconnect/gconnect/lib/events"
	"github.com/gconnect/gconnect/lib/protocol"
)

// acceptTimeout bounds how long an upload waits for the announced peer to
// connect before giving up the port.
const acceptTimeout = 60 * time.Second

// A Transfer moves exactly one payload over a dedicated TCP connection,
// never the control channel. It owns its socket and local stream, and is
// done after one success or failure outcome. Errors never propagate past
// the boolean result.
type Transfer struct {
	local     protocol.Packet
	clientCfg *tls.Config
	serverCfg *tls.Config
	limiter   *rate.Limiter // nil means unlimited
	evLogger  *events.Logger

	// Size and Hash describe the payload: size in bytes and hex MD5. On
	// download they come from the announcing packet; an empty Hash skips
	// verification.
	Size int64
	Hash string

	// The probed port range, overridable in tests.
	firstPort, lastPort int
}

// NewTransfer returns a transfer speaking for the given local identity.
func NewTransfer(localIdentity protocol.Packet, clientCfg, serverCfg *tls.Config, limiter *rate.Limiter, evLogger *events.Logger) *Transfer {
	return &Transfer{
		local:     localIdentity,
		clientCfg: clientCfg,
		serverCfg: serverCfg,
		limiter:   limiter,
		evLogger:  evLogger,
		firstPort: config.TransferPortFirst,
		lastPort:  config.TransferPortLast,
	}
}

// PayloadHash returns the hex MD5 of everything in r, and how many bytes
// were read.
func PayloadHash(r io.Reader) (string, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Download connects to the device's control host at the announced port,
// performs the client role handshake, and streams the payload into sink,
// verifying size and checksum. The connection and the sink are closed on
// every path.
func (t *Transfer) Download(ctx context.Context, host string, port int, sink io.WriteCloser) bool {
	defer sink.Close()

	dialer := &net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		l.Infof("Transfer download from %s port %d: %v", host, port, err)
		return t.done("download", false, 0)
	}

	c := NewClientChannel(conn, t.local)
	if err := c.Handshake(ctx, t.clientCfg); err != nil {
		l.Infof("Transfer download from %s port %d: %v", host, port, err)
		return t.done("download", false, 0)
	}
	defer c.Close()
	t.started("download")

	h := md5.New()
	var src io.Reader = io.LimitReader(c.Reader(), t.Size)
	if t.limiter != nil {
		src = &limitedReader{ctx: ctx, reader: src, limiter: t.limiter}
	}
	n, err := io.Copy(io.MultiWriter(sink, h), src)
	if err != nil {
		l.Infof("Transfer download from %s port %d: %v", host, port, err)
		return t.done("download", false, n)
	}
	if n != t.Size {
		l.Infof("Transfer download from %s port %d: got %d bytes, expected %d", host, port, n, t.Size)
		return t.done("download", false, n)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); t.Hash != "" && sum != t.Hash {
		l.Infof("Transfer download from %s port %d: checksum mismatch", host, port)
		return t.done("download", false, n)
	}

	return t.done("download", true, n)
}

// Upload binds a transfer port, fills in the packet's payload fields and
// sends it over the control channel via send, then accepts the single
// expected connection and streams src to it. The announcement must be on
// the wire before we block in accept; the remote learns where to connect
// from it. If no port in the range is free the packet is not sent at all.
func (t *Transfer) Upload(ctx context.Context, pkt *protocol.Packet, send func(protocol.Packet) error, src io.ReadCloser) bool {
	defer src.Close()

	listener, err := ListenRange("", t.firstPort, t.lastPort)
	if err != nil {
		l.Infof("Transfer upload: %v", err)
		return t.done("upload", false, 0)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	pkt.PayloadSize = t.Size
	pkt.PayloadHash = t.Hash
	pkt.PayloadTransferInfo = map[string]interface{}{"port": port}
	if err := send(*pkt); err != nil {
		l.Infof("Transfer upload: announcing port %d: %v", port, err)
		return t.done("upload", false, 0)
	}

	conn, err := acceptOne(ctx, listener)
	if err != nil {
		l.Infof("Transfer upload on port %d: %v", port, err)
		return t.done("upload", false, 0)
	}
	// One peer per listener; stop accepting as soon as it has connected.
	listener.Close()

	c := NewServerChannel(conn, t.local)
	if err := c.Handshake(ctx, t.serverCfg); err != nil {
		l.Infof("Transfer upload on port %d: %v", port, err)
		return t.done("upload", false, 0)
	}
	defer c.Close()
	t.started("upload")

	var dst io.Writer = c.Writer()
	if t.limiter != nil {
		dst = &limitedWriter{ctx: ctx, writer: dst, limiter: t.limiter}
	}
	n, err := io.Copy(dst, io.LimitReader(src, t.Size))
	if err != nil {
		l.Infof("Transfer upload on port %d: %v", port, err)
		return t.done("upload", false, n)
	}
	if n != t.Size {
		l.Infof("Transfer upload on port %d: sent %d bytes, expected %d", port, n, t.Size)
		return t.done("upload", false, n)
	}

	return t.done("upload", true, n)
}

func (t *Transfer) started(direction string) {
	t.evLogger.Log(events.TransferStarted, map[string]interface{}{
		"direction": direction,
		"size":      t.Size,
	})
}

func (t *Transfer) done(direction string, ok bool, bytes int64) bool {
	metricTransfers.WithLabelValues(direction, transferOutcome(ok)).Inc()
	if bytes > 0 {
		metricTransferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
	t.evLogger.Log(events.TransferCompleted, map[string]interface{}{
		"direction": direction,
		"outcome":   transferOutcome(ok),
		"bytes":     bytes,
	})
	return ok
}

// acceptOne waits for exactly one connection, bounded by the context and
// the accept timeout.
func acceptOne(ctx context.Context, listener net.Listener) (net.Conn, error) {
	if tl, ok := listener.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(acceptTimeout))
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-done:
		}
	}()

	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("waiting for peer: %w", err)
	}
	return conn, nil
}
