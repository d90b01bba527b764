// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"errors"
	"sort"

	"github.com/gconnect/gconnect/lib/connections"
	"github.com/gconnect/gconnect/lib/events"
	"github.com/gconnect/gconnect/lib/protocol"
	"github.com/gconnect/gconnect/lib/sync"
)

var (
	ErrChannelAttached = errors.New("a channel is already attached")
	ErrNotConnected    = errors.New("device is not connected")
)

// Model is the registry of remote devices. It hands out one Device per
// deviceId and keeps it for the lifetime of the process; devices are never
// forgotten, only disconnected.
type Model struct {
	evLogger *events.Logger
	mut      sync.Mutex
	devices  map[string]*Device
}

func NewModel(evLogger *events.Logger) *Model {
	return &Model{
		evLogger: evLogger,
		mut:      sync.NewMutex(),
		devices:  make(map[string]*Device),
	}
}

// EnsureDevice returns the device for the identity's deviceId, creating it
// on first sight. The identity is recorded either way.
func (m *Model) EnsureDevice(identity protocol.Packet) connections.Device {
	id := identity.DeviceID()

	m.mut.Lock()
	dev, ok := m.devices[id]
	if !ok {
		dev = newDevice(id, m.evLogger)
		m.devices[id] = dev
		l.Debugln("new device", id)
	}
	m.mut.Unlock()

	dev.RefreshIdentity(identity)
	return dev
}

// Device returns an existing device, if any.
func (m *Model) Device(id string) (connections.Device, bool) {
	m.mut.Lock()
	dev, ok := m.devices[id]
	m.mut.Unlock()
	if !ok {
		return nil, false
	}
	return dev, true
}

// Devices returns a snapshot of all known devices, ordered by id.
func (m *Model) Devices() []*Device {
	m.mut.Lock()
	devs := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devs = append(devs, dev)
	}
	m.mut.Unlock()

	sort.Slice(devs, func(a, b int) bool { return devs[a].ID() < devs[b].ID() })
	return devs
}

// Device is one remote device. At most one live channel is attached at a
// time; a connection attempt in progress blocks further attempts until it
// resolves.
type Device struct {
	id       string
	evLogger *events.Logger

	mut        sync.Mutex
	name       string
	deviceType string
	identity   protocol.Packet
	channel    *connections.Channel
	connecting bool
}

func newDevice(id string, evLogger *events.Logger) *Device {
	return &Device{
		id:       id,
		evLogger: evLogger,
		mut:      sync.NewMutex(),
	}
}

func (d *Device) ID() string {
	return d.id
}

func (d *Device) Name() string {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.name
}

func (d *Device) Type() string {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.deviceType
}

// Identity returns the most recently seen identity packet.
func (d *Device) Identity() protocol.Packet {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.identity
}

// AttachChannel binds the channel to the device. It fails if the device
// already holds a live channel; the caller keeps ownership of the channel in
// that case. On success the device takes over the channel and reads from it
// until it fails or closes.
func (d *Device) AttachChannel(c *connections.Channel) error {
	d.mut.Lock()
	if d.channel != nil {
		d.mut.Unlock()
		return ErrChannelAttached
	}
	d.channel = c
	d.connecting = false
	d.mut.Unlock()

	if identity := c.RemoteIdentity(); identity != nil {
		d.RefreshIdentity(*identity)
	}

	l.Infof("Device %s (%s) connected via %s", d.id, d.Name(), c)
	go d.readChannel(c)
	return nil
}

// HasChannel reports whether a live channel is attached.
func (d *Device) HasChannel() bool {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.channel != nil
}

// BeginConnecting marks an establishment attempt in progress. It returns
// false when an attempt is already underway or a channel is attached.
func (d *Device) BeginConnecting() bool {
	d.mut.Lock()
	defer d.mut.Unlock()
	if d.connecting || d.channel != nil {
		return false
	}
	d.connecting = true
	return true
}

// EndConnecting clears the in-progress mark so a later discovery can retry.
func (d *Device) EndConnecting() {
	d.mut.Lock()
	d.connecting = false
	d.mut.Unlock()
}

// RefreshIdentity records a fresh identity without disturbing an attached
// channel.
func (d *Device) RefreshIdentity(identity protocol.Packet) {
	d.mut.Lock()
	d.identity = identity
	if name := identity.DeviceName(); name != "" {
		d.name = name
	}
	if typ, ok := identity.Body["deviceType"].(string); ok && typ != "" {
		d.deviceType = typ
	}
	d.mut.Unlock()
}

// ControlHost returns the last recorded control channel host for the
// device. Payload downloads connect there, at the announced transfer port.
func (d *Device) ControlHost() string {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.identity.TCPHost()
}

// SendPacket writes a packet over the attached channel.
func (d *Device) SendPacket(p protocol.Packet) error {
	d.mut.Lock()
	c := d.channel
	d.mut.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.WritePacket(p)
}

// readChannel drains packets from the channel until it fails, then detaches
// it. Packet dispatch beyond the channel bookkeeping happens elsewhere.
func (d *Device) readChannel(c *connections.Channel) {
	for {
		p, err := c.ReadPacket()
		if err != nil {
			d.detachChannel(c, err)
			return
		}
		l.Debugf("device %s: packet %s", d.id, p.Type)
	}
}

func (d *Device) detachChannel(c *connections.Channel, err error) {
	d.mut.Lock()
	if d.channel != c {
		// A different channel has since been attached; nothing to do.
		d.mut.Unlock()
		return
	}
	d.channel = nil
	d.mut.Unlock()

	_ = c.Close()
	l.Infof("Device %s (%s) disconnected: %v", d.id, d.Name(), err)
	d.evLogger.Log(events.ChannelClosed, map[string]interface{}{
		"device": d.id,
		"error":  events.Error(err),
	})
}
