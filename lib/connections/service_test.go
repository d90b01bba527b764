// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/gconnect/gconnect/lib/beacon"
	"github.com/gconnect/gconnect/lib/config"
	"github.com/gconnect/gconnect/lib/events"
	"github.com/gconnect/gconnect/lib/protocol"
	"github.com/gconnect/gconnect/lib/tlsutil"
)

type fakeDevice struct {
	id         string
	channel    *Channel
	connecting bool
	refreshed  int
	mut        stdsync.Mutex
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) AttachChannel(c *Channel) error {
	d.mut.Lock()
	defer d.mut.Unlock()
	if d.channel != nil {
		return errors.New("channel already attached")
	}
	d.channel = c
	return nil
}

func (d *fakeDevice) HasChannel() bool {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.channel != nil
}

func (d *fakeDevice) BeginConnecting() bool {
	d.mut.Lock()
	defer d.mut.Unlock()
	if d.connecting || d.channel != nil {
		return false
	}
	d.connecting = true
	return true
}

func (d *fakeDevice) EndConnecting() {
	d.mut.Lock()
	d.connecting = false
	d.mut.Unlock()
}

func (d *fakeDevice) RefreshIdentity(protocol.Packet) {
	d.mut.Lock()
	d.refreshed++
	d.mut.Unlock()
}

type fakeModel struct {
	devices map[string]*fakeDevice
	mut     stdsync.Mutex
}

func newFakeModel() *fakeModel {
	return &fakeModel{devices: make(map[string]*fakeDevice)}
}

func (m *fakeModel) EnsureDevice(identity protocol.Packet) Device {
	m.mut.Lock()
	defer m.mut.Unlock()
	id := identity.DeviceID()
	if dev, ok := m.devices[id]; ok {
		return dev
	}
	dev := &fakeDevice{id: id}
	m.devices[id] = dev
	return dev
}

func (m *fakeModel) Device(id string) (Device, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	dev, ok := m.devices[id]
	return dev, ok
}

func (m *fakeModel) get(id string) *fakeDevice {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.devices[id]
}

// dialRecorder satisfies the service dialer and records targets without
// making connections.
type dialRecorder struct {
	targets chan string
}

func (d *dialRecorder) dial(_ context.Context, _, addr string) (net.Conn, error) {
	d.targets <- addr
	return nil, errors.New("dial intercepted")
}

func newTestService(model Model, discoverable bool) (*service, *dialRecorder) {
	rec := &dialRecorder{targets: make(chan string, 16)}
	s := &service{
		cfg: config.Wrap(config.Configuration{
			DeviceID:     "self-device",
			DeviceName:   "self",
			DeviceType:   "desktop",
			Discoverable: discoverable,
		}),
		myID:     "self-device",
		model:    model,
		evLogger: events.NewLogger(),
		allowed:  newAllowedSet(),
		dialer:   rec.dial,
	}
	return s, rec
}

func announcement(t *testing.T, deviceID string, port int) []byte {
	t.Helper()
	line, err := protocol.Identity{
		DeviceID:   deviceID,
		DeviceName: deviceID,
		DeviceType: "phone",
		TCPPort:    port,
	}.Packet().MarshalLine()
	if err != nil {
		t.Fatal(err)
	}
	return line
}

func udpFrom(host string) net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(host), Port: config.DiscoveryPort}
}

func TestAnnouncementRejectedWhenNotDiscoverable(t *testing.T) {
	model := newFakeModel()
	s, rec := newTestService(model, false)

	s.handleAnnouncement(context.Background(), announcement(t, "device-x", 1716), udpFrom("10.0.0.5"))

	if dev := model.get("device-x"); dev != nil {
		t.Error("no device must be created for a rejected announcement")
	}
	select {
	case addr := <-rec.targets:
		t.Error("unexpected connection attempt to", addr)
	default:
	}
}

func TestAnnouncementAdmittedWhenDiscoverable(t *testing.T) {
	model := newFakeModel()
	s, rec := newTestService(model, true)

	s.handleAnnouncement(context.Background(), announcement(t, "device-x", 1234), udpFrom("10.0.0.5"))

	select {
	case addr := <-rec.targets:
		// The connect target is the announced host and port.
		if addr != "10.0.0.5:1234" {
			t.Error("unexpected dial target:", addr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected a connection attempt")
	}
	if dev := model.get("device-x"); dev == nil {
		t.Error("device must be ensured for an admitted announcement")
	}
}

func TestAnnouncementAdmittedViaAllowedSet(t *testing.T) {
	model := newFakeModel()
	s, rec := newTestService(model, false)

	// A targeted broadcast grants admission for the next reply from that
	// host, despite not being discoverable.
	s.allowed.add("10.0.0.9")

	s.handleAnnouncement(context.Background(), announcement(t, "device-y", 1716), udpFrom("10.0.0.9"))

	select {
	case addr := <-rec.targets:
		if addr != "10.0.0.9:1716" {
			t.Error("unexpected dial target:", addr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected a connection attempt")
	}
}

func TestAnnouncementMissingDeviceID(t *testing.T) {
	model := newFakeModel()
	s, rec := newTestService(model, true)

	line := []byte(`{"type":"kdeconnect.identity","body":{"deviceName":"anon","tcpPort":1716}}` + "\n")
	s.handleAnnouncement(context.Background(), line, udpFrom("10.0.0.5"))

	if len(model.devices) != 0 {
		t.Error("no device must be created without a deviceId")
	}
	select {
	case addr := <-rec.targets:
		t.Error("unexpected connection attempt to", addr)
	default:
	}
}

func TestAnnouncementSelfEcho(t *testing.T) {
	model := newFakeModel()
	s, rec := newTestService(model, true)

	s.handleAnnouncement(context.Background(), announcement(t, "self-device", 1716), udpFrom("10.0.0.5"))

	if len(model.devices) != 0 {
		t.Error("own echoed broadcast must have no side effects")
	}
	select {
	case addr := <-rec.targets:
		t.Error("unexpected connection attempt to", addr)
	default:
	}
}

func TestAnnouncementRefreshesConnectedDevice(t *testing.T) {
	model := newFakeModel()
	s, rec := newTestService(model, true)

	dev := model.EnsureDevice(protocol.Identity{DeviceID: "device-x"}.Packet()).(*fakeDevice)
	dev.channel = &Channel{} // pretend connected

	s.handleAnnouncement(context.Background(), announcement(t, "device-x", 1716), udpFrom("10.0.0.5"))
	s.handleAnnouncement(context.Background(), announcement(t, "device-x", 1716), udpFrom("10.0.0.5"))

	if dev.refreshed != 2 {
		t.Error("expected two identity refreshes, got", dev.refreshed)
	}
	select {
	case addr := <-rec.targets:
		t.Error("unexpected connection attempt to", addr)
	default:
	}
}

func TestAnnouncementKnownDeviceBypassesDiscoverable(t *testing.T) {
	model := newFakeModel()
	s, rec := newTestService(model, false)

	// Device exists but is unconnected: known-device rule admits it and a
	// dial-back happens even though we are not discoverable.
	model.EnsureDevice(protocol.Identity{DeviceID: "device-x"}.Packet())

	s.handleAnnouncement(context.Background(), announcement(t, "device-x", 1716), udpFrom("10.0.0.5"))

	select {
	case <-rec.targets:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a connection attempt for a known device")
	}
}

func TestDialFailureClearsConnecting(t *testing.T) {
	model := newFakeModel()
	s, rec := newTestService(model, true)

	s.handleAnnouncement(context.Background(), announcement(t, "device-x", 1716), udpFrom("10.0.0.5"))
	<-rec.targets

	// The dial failed; the pending mark must clear so a later discovery
	// can retry.
	deadline := time.Now().Add(5 * time.Second)
	for {
		dev := model.get("device-x")
		dev.mut.Lock()
		connecting := dev.connecting
		dev.mut.Unlock()
		if !connecting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connecting mark never cleared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBroadcastRecordsAllowedAddress(t *testing.T) {
	// Requires a real beacon; use an ephemeral port so nothing else
	// interferes.
	model := newFakeModel()
	s, _ := newTestService(model, false)

	bc, err := beacon.NewBroadcast(0)
	if err != nil {
		t.Fatal(err)
	}
	s.bc = bc

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bc.Serve(ctx)

	if err := s.Broadcast("10.0.0.9"); err != nil {
		t.Fatal(err)
	}
	if !s.allowed.has("10.0.0.9") {
		t.Error("targeted broadcast must record the address")
	}

	// The default broadcast grants no trust.
	if err := s.Broadcast(""); err != nil {
		t.Fatal(err)
	}
	if got := s.AllowedAddresses(); len(got) != 1 {
		t.Error("unexpected allowed set:", got)
	}
}

func TestBroadcastInvalidAddress(t *testing.T) {
	model := newFakeModel()
	s, _ := newTestService(model, false)

	bc, err := beacon.NewBroadcast(0)
	if err != nil {
		t.Fatal(err)
	}
	s.bc = bc

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bc.Serve(ctx)

	if err := s.Broadcast("not a host"); err == nil {
		t.Error("expected error for invalid broadcast target")
	}
	if got := s.AllowedAddresses(); len(got) != 0 {
		t.Error("invalid target must not enter the allowed set:", got)
	}
}

func TestAnnouncementDialsAnnouncedHost(t *testing.T) {
	model := newFakeModel()
	s, rec := newTestService(model, true)

	// The body-declared tcpHost wins over the datagram source for the
	// dial-back.
	p := protocol.Identity{
		DeviceID:   "device-x",
		DeviceName: "device-x",
		DeviceType: "phone",
		TCPPort:    1234,
	}.Packet()
	p.Body["tcpHost"] = "10.9.9.9"
	line, err := p.MarshalLine()
	if err != nil {
		t.Fatal(err)
	}

	s.handleAnnouncement(context.Background(), line, udpFrom("10.0.0.5"))

	select {
	case addr := <-rec.targets:
		if addr != "10.9.9.9:1234" {
			t.Error("dial must target the announced host:", addr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected a connection attempt")
	}
}

func TestAcceptFailureExhaustion(t *testing.T) {
	model := newFakeModel()
	s, _ := newTestService(model, true)

	cause := errors.New("accept: too many open files")

	// Without the discovery socket there is no transport left; the whole
	// tree must come down so the process exits instead of spinning.
	if err := s.acceptExhausted(cause); !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		t.Error("expected a tree-terminating error when discovery is gone")
	}

	bc, err := beacon.NewBroadcast(0)
	if err != nil {
		t.Fatal(err)
	}
	s.bc = bc
	if err := s.acceptExhausted(cause); errors.Is(err, suture.ErrTerminateSupervisorTree) {
		t.Error("with discovery still up only the listener restarts")
	}
}

func TestNewServiceAnnouncesListenAddress(t *testing.T) {
	dir := t.TempDir()
	cert, err := tlsutil.NewCertificate(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"), "self-device")
	if err != nil {
		t.Fatal(err)
	}

	evLogger := events.NewLogger()
	sub := evLogger.Subscribe(events.ListenAddressesChanged)
	defer evLogger.Unsubscribe(sub)

	cfg := config.Wrap(config.Configuration{
		DeviceID:     "self-device",
		DeviceName:   "self",
		DeviceType:   "desktop",
		Discoverable: true,
	})
	svc, err := NewService(cfg, newFakeModel(), cert, evLogger)
	if err != nil {
		t.Skip("no transport available:", err)
	}
	if s := svc.(*service); s.listener != nil {
		defer s.listener.Close()
	}
	if svc.ListenPort() == 0 {
		t.Skip("control channel range exhausted")
	}

	ev, err := sub.Poll(time.Second)
	if err != nil {
		t.Fatal("no listen address event:", err)
	}
	data := ev.Data.(map[string]interface{})
	if data["port"] != svc.ListenPort() {
		t.Errorf("event port %v does not match bound port %d", data["port"], svc.ListenPort())
	}
}

func TestSplitAddress(t *testing.T) {
	cases := []struct {
		in   string
		host string
		port int
	}{
		{"10.0.0.9", "10.0.0.9", config.DiscoveryPort},
		{"10.0.0.9:1717", "10.0.0.9", 1717},
		{"example.com", "example.com", config.DiscoveryPort},
	}
	for _, tc := range cases {
		host, port := splitAddress(tc.in)
		if host != tc.host || port != tc.port {
			t.Errorf("splitAddress(%q) => %q, %d", tc.in, host, port)
		}
	}
}
