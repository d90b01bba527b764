// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/thejerf/suture/v4"

	"github.com/gconnect/gconnect/lib/beacon"
	"github.com/gconnect/gconnect/lib/config"
	"github.com/gconnect/gconnect/lib/events"
	"github.com/gconnect/gconnect/lib/netutil"
	"github.com/gconnect/gconnect/lib/protocol"
	"github.com/gconnect/gconnect/lib/svcutil"
	"github.com/gconnect/gconnect/lib/tlsutil"
)

const (
	connectTimeout    = 10 * time.Second
	maxAcceptFailures = 10
)

// Service runs discovery and channel establishment: it owns the UDP
// announcement socket and the TCP control listener, applies the admission
// decision to everything that arrives on either, and hands established
// channels to the model.
type Service interface {
	suture.Service
	fmt.Stringer
	// Broadcast announces our identity. With a non-empty address the
	// announcement goes to that address alone, and the address is granted
	// admission for its next identity response.
	Broadcast(address string) error
	// ListenPort returns the bound control channel port, or zero when
	// running discovery-only.
	ListenPort() int
	// AllowedAddresses returns the hosts granted admission by targeted
	// broadcasts.
	AllowedAddresses() []string
}

type service struct {
	*suture.Supervisor
	cfg       config.Wrapper
	myID      string
	model     Model
	clientCfg *tls.Config
	serverCfg *tls.Config
	evLogger  *events.Logger

	bc         *beacon.Broadcast // nil when UDP is unavailable
	listener   net.Listener      // nil when no control port could be bound
	listenPort int
	allowed    *allowedSet

	// dialer is swappable for tests.
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewService binds the control channel listener and the discovery socket.
// Losing one of the two degrades capability and is logged; losing both
// makes the service useless and is returned as a fatal error.
func NewService(cfg config.Wrapper, model Model, cert tls.Certificate, evLogger *events.Logger) (Service, error) {
	s := &service{
		Supervisor: suture.New("connections.Service", svcutil.SpecWithInfoLogger(l)),
		cfg:        cfg,
		myID:       cfg.RawCopy().DeviceID,
		model:      model,
		clientCfg:  tlsutil.SecureDefaultForClient(cert),
		serverCfg:  tlsutil.SecureDefaultForServer(cert),
		evLogger:   evLogger,
		allowed:    newAllowedSet(),
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	s.dialer = dialer.DialContext

	listener, tcpErr := ListenRange("", config.ChannelPortFirst, config.ChannelPortLast)
	if tcpErr != nil {
		l.Warnln("Control channel unavailable:", tcpErr)
	}
	bc, udpErr := beacon.NewBroadcast(config.DiscoveryPort)
	if udpErr != nil {
		l.Warnln("Discovery unavailable:", udpErr)
	}
	if listener == nil && bc == nil {
		return nil, errors.Wrap(tcpErr, "neither transport available")
	}

	if listener != nil {
		s.listener = listener
		s.listenPort = listener.Addr().(*net.TCPAddr).Port
		s.Add(svcutil.AsService(s.serveListener, fmt.Sprintf("%s/listener", s)))
		l.Infof("Control channel listener on port %d", s.listenPort)
		evLogger.Log(events.ListenAddressesChanged, map[string]interface{}{
			"address": listener.Addr().String(),
			"port":    s.listenPort,
		})
	}
	if bc != nil {
		s.bc = bc
		s.Add(bc)
		s.Add(svcutil.AsService(s.serveDiscovery, fmt.Sprintf("%s/discovery", s)))
	}

	cfg.Subscribe(func(c config.Configuration) {
		l.Infof("Device is now %s", discoverability(c.Discoverable))
	})

	return s, nil
}

func discoverability(enabled bool) string {
	if enabled {
		return "discoverable"
	}
	return "hidden from discovery"
}

func (s *service) String() string {
	return fmt.Sprintf("connections.Service@%p", s)
}

func (s *service) ListenPort() int {
	return s.listenPort
}

func (s *service) AllowedAddresses() []string {
	return s.allowed.addresses()
}

// identityPacket builds our own identity announcement, carrying the bound
// control port so peers know where to connect.
func (s *service) identityPacket() protocol.Packet {
	cfg := s.cfg.RawCopy()
	return protocol.Identity{
		DeviceID:             cfg.DeviceID,
		DeviceName:           cfg.DeviceName,
		DeviceType:           cfg.DeviceType,
		TCPPort:              s.listenPort,
		IncomingCapabilities: cfg.IncomingCapabilities,
		OutgoingCapabilities: cfg.OutgoingCapabilities,
	}.Packet()
}

// Broadcast sends our identity via UDP. A targeted broadcast records the
// address in the allowed set first: "trust the next reply from this
// address even though we are not discoverable".
func (s *service) Broadcast(address string) error {
	if s.bc == nil {
		return errors.New("discovery is unavailable")
	}
	data, err := s.identityPacket().MarshalLine()
	if err != nil {
		return err
	}

	if address == "" {
		s.bc.Send(data)
		return nil
	}

	host, port := splitAddress(address)
	if !netutil.IsValidAddress(host) {
		return fmt.Errorf("invalid broadcast target %q", address)
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "resolving broadcast target")
	}

	s.allowed.add(host)
	s.bc.SendTo(data, udpAddr)
	return nil
}

// splitAddress splits an optional port off a broadcast target, defaulting
// to the discovery port.
func splitAddress(address string) (string, int) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return address, config.DiscoveryPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		port = config.DiscoveryPort
	}
	return host, port
}

// admit runs the admission decision for an identity seen from the given
// host. The host comes from the socket or datagram, never from the packet
// body.
func (s *service) admit(deviceID, host string) admissionVerdict {
	_, known := s.model.Device(deviceID)
	return decideAdmission(admissionInput{
		knownDevice:    known,
		allowedAddress: s.allowed.has(host),
		discoverable:   s.cfg.Discoverable(),
	})
}

// serveListener accepts control channel connections.
func (s *service) serveListener(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	acceptFailures := 0
	for {
		conn, err := s.listener.Accept()
		select {
		case <-ctx.Done():
			if err == nil {
				conn.Close()
			}
			return ctx.Err()
		default:
		}
		if err != nil {
			l.Warnln("Accepting connection:", err)
			acceptFailures++
			if acceptFailures > maxAcceptFailures {
				// Something seems permanently damaged; restart the
				// listener, or take down the whole tree when discovery
				// is gone too and no transport would remain.
				return s.acceptExhausted(err)
			}
			time.Sleep(time.Duration(acceptFailures) * time.Second)
			continue
		}

		acceptFailures = 0
		l.Debugln("Incoming connection from", conn.RemoteAddr())
		go s.handleIncoming(ctx, conn)
	}
}

// acceptExhausted classifies a persistent accept failure. With the
// discovery socket still up the listener alone restarts; without it the
// process has no working transport left.
func (s *service) acceptExhausted(err error) error {
	if s.bc == nil {
		return svcutil.AsFatalErr(err, svcutil.ExitError)
	}
	return err
}

// handleIncoming runs the server role establishment for one accepted
// connection. Failures close the connection and are not retried.
func (s *service) handleIncoming(ctx context.Context, conn net.Conn) {
	c := NewServerChannel(conn, s.identityPacket())
	if err := c.Handshake(ctx, s.serverCfg); err != nil {
		metricChannelsFailed.WithLabelValues(roleServer.String()).Inc()
		l.Infof("Handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	remote := c.RemoteIdentity()
	if err := protocol.CheckDeviceID(remote.DeviceID()); err != nil {
		l.Infof("Dropping connection from %s: %v", conn.RemoteAddr(), err)
		c.Close()
		return
	}

	// Admission keys on the socket peer address here; the body-declared
	// host is not to be trusted on the accept path.
	host := netutil.HostFromAddr(conn.RemoteAddr())
	verdict := s.admit(remote.DeviceID(), host)
	if !verdict.Admitted() {
		metricAdmissionsRejected.Inc()
		s.evLogger.Log(events.DeviceRejected, map[string]string{
			"device":  remote.DeviceID(),
			"address": host,
		})
		l.Infof("Connection from %s at %s rejected: %v", remote.DeviceID(), host, verdict)
		c.Close()
		return
	}

	dev := s.model.EnsureDevice(*remote)
	s.attach(dev, c)
}

// serveDiscovery consumes identity announcements from the beacon.
func (s *service) serveDiscovery(ctx context.Context) error {
	for {
		data, src, err := s.bc.Recv(ctx)
		if err != nil {
			return err
		}
		s.handleAnnouncement(ctx, data, src)
	}
}

// handleAnnouncement applies the discovery receive path to one datagram:
// parse, self-echo suppression, admission, then either a metadata refresh
// of an already connected device or a client role dial-back.
func (s *service) handleAnnouncement(ctx context.Context, data []byte, src net.Addr) {
	p, err := protocol.Parse(data)
	if err != nil {
		l.Debugf("Malformed announcement from %s: %v", src, err)
		return
	}
	if err := protocol.CheckIdentity(p); err != nil {
		l.Debugf("Unusable announcement from %s: %v", src, err)
		return
	}
	if p.DeviceID() == s.myID {
		// Our own broadcast, echoed back.
		return
	}

	host := netutil.HostFromAddr(src)
	verdict := s.admit(p.DeviceID(), host)
	if !verdict.Admitted() {
		metricAdmissionsRejected.Inc()
		s.evLogger.Log(events.DeviceRejected, map[string]string{
			"device":  p.DeviceID(),
			"address": host,
		})
		l.Debugf("Announcement from %s at %s rejected: %v", p.DeviceID(), host, verdict)
		return
	}

	l.Debugf("Identity from %s at %s: %v", p.DeviceID(), host, verdict)
	s.evLogger.Log(events.DeviceDiscovered, map[string]string{
		"device":  p.DeviceID(),
		"name":    p.DeviceName(),
		"address": host,
	})

	dev := s.model.EnsureDevice(p)
	if dev.HasChannel() {
		// Already connected; duplicate broadcasts only refresh metadata.
		dev.RefreshIdentity(p)
		return
	}
	if !dev.BeginConnecting() {
		// An establishment attempt is already in flight.
		return
	}

	go s.dialDevice(ctx, dev, p, host)
}

// dialDevice opens the control connection to a discovered peer and runs
// the client role establishment. The connect target is the announced
// tcpHost/tcpPort; the announcing side is the one that knows which
// listener it actually bound.
func (s *service) dialDevice(ctx context.Context, dev Device, identity protocol.Packet, srcHost string) {
	defer dev.EndConnecting()

	host := identity.TCPHost()
	if host == "" {
		host = srcHost
	}
	port := identity.TCPPort()
	if !netutil.IsValidAddress(host) || port <= 0 {
		l.Infof("Not connecting to %s: unusable control address %q port %d", dev.ID(), host, port)
		return
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := s.dialer(ctx, "tcp", addr)
	if err != nil {
		metricChannelsFailed.WithLabelValues(roleClient.String()).Inc()
		l.Infof("Connecting to %s at %s: %v", dev.ID(), addr, err)
		return
	}

	c := NewClientChannel(conn, s.identityPacket())
	c.SetRemoteIdentity(identity)
	if err := c.Handshake(ctx, s.clientCfg); err != nil {
		metricChannelsFailed.WithLabelValues(roleClient.String()).Inc()
		l.Infof("Handshake with %s at %s failed: %v", dev.ID(), addr, err)
		return
	}

	s.attach(dev, c)
}

// attach hands an established channel to its device and announces it on
// the event bus.
func (s *service) attach(dev Device, c *Channel) {
	if err := c.Attach(dev.ID()); err != nil {
		l.Infof("Not attaching %v to %s: %v", c, dev.ID(), err)
		c.Close()
		return
	}
	if err := dev.AttachChannel(c); err != nil {
		l.Infof("Device %s refused channel %v: %v", dev.ID(), c, err)
		c.Close()
		return
	}

	metricChannelsEstablished.WithLabelValues(c.role.String()).Inc()
	s.evLogger.Log(events.ChannelEstablished, map[string]string{
		"device":  dev.ID(),
		"address": c.RemoteAddr().String(),
		"role":    c.role.String(),
	})
	l.Infof("Established %s channel with %s at %s", c.role, dev.ID(), c.RemoteAddr())
}
