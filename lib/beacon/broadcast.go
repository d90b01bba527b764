// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package beacon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/thejerf/suture/v4"
)

const writeTimeout = 10 * time.Second

type Broadcast struct {
	*suture.Supervisor
	port   int
	inbox  chan send
	outbox chan recv
	reader *broadcastReader
	writer *broadcastWriter
}

// NewBroadcast binds the receive socket on the given port and returns a
// beacon for it. The bind happens here rather than in the reader service so
// that an unusable discovery socket is a construction error the caller can
// act on.
func NewBroadcast(port int) (*Broadcast, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}

	b := &Broadcast{
		Supervisor: suture.New("beacon.Broadcast", suture.Spec{
			// Don't retry too frenetically: an error to open a socket or
			// whatever is usually something that is either permanent or
			// takes a while to get solved...
			FailureThreshold: 2,
			FailureBackoff:   60 * time.Second,
			EventHook: func(e suture.Event) {
				l.Debugln(e)
			},
			PassThroughPanics: true,
		}),
		port:   port,
		inbox:  make(chan send),
		outbox: make(chan recv, 16),
	}

	b.reader = &broadcastReader{
		port:   port,
		conn:   conn,
		outbox: b.outbox,
	}
	b.writer = &broadcastWriter{
		port:  port,
		inbox: b.inbox,
	}
	b.Add(b.reader)
	b.Add(b.writer)

	return b, nil
}

func (b *Broadcast) Send(data []byte) {
	b.inbox <- send{data: data}
}

func (b *Broadcast) SendTo(data []byte, dst *net.UDPAddr) {
	b.inbox <- send{data: data, dst: dst}
}

func (b *Broadcast) Recv(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case recv := <-b.outbox:
		return recv.data, recv.src, nil
	}
}

func (b *Broadcast) Error() error {
	if err := b.reader.Error(); err != nil {
		return err
	}
	return b.writer.Error()
}

func (b *Broadcast) String() string {
	return fmt.Sprintf("broadcastBeacon@%p", b)
}

type broadcastWriter struct {
	errorHolder
	port  int
	inbox chan send
}

func (w *broadcastWriter) Serve(ctx context.Context) error {
	l.Debugln(w, "starting")
	defer l.Debugln(w, "stopping")

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		w.setError(err)
		return err
	}
	defer conn.Close()
	w.setError(nil)

	for {
		var msg send
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg = <-w.inbox:
		}

		var dsts []*net.UDPAddr
		if msg.dst != nil {
			dsts = []*net.UDPAddr{msg.dst}
		} else {
			for _, ip := range broadcastDests() {
				dsts = append(dsts, &net.UDPAddr{IP: ip, Port: w.port})
			}
		}

		l.Debugln("addresses:", dsts)

		for _, dst := range dsts {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, err := conn.WriteTo(msg.data, dst)
			if err, ok := err.(net.Error); ok && err.Timeout() {
				// Write timeouts should not happen. We treat it as a fatal
				// error on the socket.
				l.Infoln("Discovery (broadcast writer):", err)
				w.setError(err)
				return err
			} else if err, ok := err.(net.Error); ok && err.Temporary() {
				// A transient error. Lets hope for better luck in the future.
				l.Debugln("Discovery (broadcast writer):", err)
				continue
			} else if err != nil {
				l.Infoln("Discovery (broadcast writer):", err)
				w.setError(err)
				return err
			}
			l.Debugf("sent %d bytes to %s", len(msg.data), dst)
		}
	}
}

func (w *broadcastWriter) String() string {
	return fmt.Sprintf("broadcastWriter@%p", w)
}

// broadcastDests returns the IPv4 broadcast addresses of all interfaces,
// or the general broadcast address when none can be determined.
func broadcastDests() []net.IP {
	var dsts []net.IP
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		addrs = nil
	}
	for _, addr := range addrs {
		if iaddr, ok := addr.(*net.IPNet); ok && len(iaddr.IP) >= 4 && iaddr.IP.IsGlobalUnicast() && iaddr.IP.To4() != nil {
			dsts = append(dsts, bcast(iaddr).IP)
		}
	}
	if len(dsts) == 0 {
		// Fall back to the general IPv4 broadcast address
		dsts = append(dsts, net.IP{0xff, 0xff, 0xff, 0xff})
	}
	return dsts
}

type broadcastReader struct {
	errorHolder
	port   int
	conn   *net.UDPConn
	outbox chan recv
}

func (r *broadcastReader) Serve(ctx context.Context) error {
	l.Debugln(r, "starting")
	defer l.Debugln(r, "stopping")

	conn := r.conn
	if conn == nil {
		// Rebind after a previous failure.
		var err error
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{Port: r.port})
		if err != nil {
			r.setError(err)
			return err
		}
	}
	r.conn = nil
	defer conn.Close()
	r.setError(nil)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	bs := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFrom(bs)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			l.Infoln("Discovery (broadcast reader):", err)
			r.setError(err)
			return err
		}

		l.Debugf("recv %d bytes from %s", n, addr)

		c := make([]byte, n)
		copy(c, bs)
		select {
		case r.outbox <- recv{c, addr}:
		default:
			l.Debugln("dropping message")
		}
	}
}

func (r *broadcastReader) String() string {
	return fmt.Sprintf("broadcastReader@%p", r)
}

func bcast(ip *net.IPNet) *net.IPNet {
	var bc = &net.IPNet{}
	bc.IP = make([]byte, len(ip.IP))
	copy(bc.IP, ip.IP)
	bc.Mask = ip.Mask

	offset := len(bc.IP) - len(bc.Mask)
	for i := range bc.IP {
		if i-offset >= 0 {
			bc.IP[i] = ip.IP[i] | ^ip.Mask[i-offset]
		}
	}
	return bc
}
