// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"github.com/gconnect/gconnect/lib/protocol"
)

// Model is the device registry the service hands established channels to.
type Model interface {
	// EnsureDevice returns the device for the identity's deviceId,
	// creating it if needed. Idempotent.
	EnsureDevice(identity protocol.Packet) Device
	// Device returns an existing device, if any.
	Device(id string) (Device, bool)
}

// Device is one remote device as known to the registry.
type Device interface {
	ID() string
	// AttachChannel binds the channel to the device. It fails if the
	// device already holds a live channel.
	AttachChannel(c *Channel) error
	// HasChannel reports whether a live channel is attached.
	HasChannel() bool
	// BeginConnecting marks an establishment attempt in progress. It
	// returns false if one already is, or if a channel is attached; the
	// caller must then drop its attempt.
	BeginConnecting() bool
	// EndConnecting clears the in-progress mark so a later discovery can
	// retry.
	EndConnecting()
	// RefreshIdentity feeds a fresh identity into the device without
	// disturbing an attached channel.
	RefreshIdentity(identity protocol.Packet)
}
