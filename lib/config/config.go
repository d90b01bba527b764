// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config holds the service configuration behind a thread safe
// wrapper with change notification.
package config

import (
	"github.com/gconnect/gconnect/lib/sync"
)

const (
	// DiscoveryPort is the UDP port identity announcements are sent to and
	// received on.
	DiscoveryPort = 1716

	// The control channel listener binds the first free port in
	// [ChannelPortFirst, ChannelPortLast].
	ChannelPortFirst = 1716
	ChannelPortLast  = 1764

	// Transfer listeners bind the first free port in [TransferPortFirst,
	// TransferPortLast]. The floor sits above the control channel range's
	// first ports so a busy LAN does not starve control listeners.
	TransferPortFirst = 1739
	TransferPortLast  = 1764
)

// Configuration is the static description of this device.
type Configuration struct {
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	Discoverable         bool     `json:"discoverable"`
	IncomingCapabilities []string `json:"incomingCapabilities"`
	OutgoingCapabilities []string `json:"outgoingCapabilities"`
}

// Copy returns a deep copy of the configuration.
func (cfg Configuration) Copy() Configuration {
	c := cfg
	c.IncomingCapabilities = append([]string(nil), cfg.IncomingCapabilities...)
	c.OutgoingCapabilities = append([]string(nil), cfg.OutgoingCapabilities...)
	return c
}

// Wrapper guards a Configuration for concurrent use.
type Wrapper interface {
	RawCopy() Configuration
	Discoverable() bool
	SetDiscoverable(enabled bool)
	Subscribe(fn func(Configuration))
}

func Wrap(cfg Configuration) Wrapper {
	return &wrapper{
		cfg: cfg,
		mut: sync.NewMutex(),
	}
}

type wrapper struct {
	cfg  Configuration
	subs []func(Configuration)
	mut  sync.Mutex
}

func (w *wrapper) RawCopy() Configuration {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.cfg.Copy()
}

func (w *wrapper) Discoverable() bool {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.cfg.Discoverable
}

func (w *wrapper) SetDiscoverable(enabled bool) {
	w.mut.Lock()
	w.cfg.Discoverable = enabled
	cfg := w.cfg.Copy()
	subs := append([]func(Configuration){}, w.subs...)
	w.mut.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
}

func (w *wrapper) Subscribe(fn func(Configuration)) {
	w.mut.Lock()
	w.subs = append(w.subs, fn)
	w.mut.Unlock()
}
