// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"errors"
	"regexp"
)

// Version is the protocol version we announce.
const Version = 7

var (
	ErrMissingDeviceID = errors.New("identity has no device ID")
	ErrBadDeviceID     = errors.New("malformed device ID")

	// Device IDs as produced by the various client implementations:
	// hex digests, UUIDs with dashes or underscores.
	deviceIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,38}$`)
)

// Identity describes a device as announced in an identity packet.
type Identity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	TCPPort              int
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

// CheckDeviceID verifies that the given device ID is present and well
// formed.
func CheckDeviceID(id string) error {
	if id == "" {
		return ErrMissingDeviceID
	}
	if !deviceIDRe.MatchString(id) {
		return ErrBadDeviceID
	}
	return nil
}

// Packet returns the identity serialized into a packet envelope.
func (i Identity) Packet() Packet {
	body := map[string]interface{}{
		"deviceId":        i.DeviceID,
		"deviceName":      i.DeviceName,
		"deviceType":      i.DeviceType,
		"protocolVersion": Version,
	}
	if i.TCPPort > 0 {
		body["tcpPort"] = i.TCPPort
	}
	if i.IncomingCapabilities != nil {
		body["incomingCapabilities"] = i.IncomingCapabilities
	}
	if i.OutgoingCapabilities != nil {
		body["outgoingCapabilities"] = i.OutgoingCapabilities
	}
	return Packet{Type: TypeIdentity, Body: body}
}

// CheckIdentity verifies that a packet is a usable identity announcement.
func CheckIdentity(p Packet) error {
	if p.Type != TypeIdentity {
		return errors.New("not an identity packet")
	}
	return CheckDeviceID(p.DeviceID())
}
