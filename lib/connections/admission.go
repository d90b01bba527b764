// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"github.com/gconnect/gconnect/lib/sync"
)

// admissionInput is everything the admission decision may depend on. It is
// assembled by the service; the decision itself is a pure function so the
// rule order can be tested in isolation.
type admissionInput struct {
	knownDevice    bool // the device ID maps to an existing device
	allowedAddress bool // the source host was targeted by a broadcast
	discoverable   bool // unknown devices are currently welcome
}

type admissionVerdict int

const (
	admitKnownDevice admissionVerdict = iota
	admitAllowedAddress
	admitDiscoverable
	rejectUnknown
)

func (v admissionVerdict) Admitted() bool {
	return v != rejectUnknown
}

func (v admissionVerdict) String() string {
	switch v {
	case admitKnownDevice:
		return "admit (known device)"
	case admitAllowedAddress:
		return "admit (allowed address)"
	case admitDiscoverable:
		return "admit (discoverable)"
	default:
		return "reject (unknown device)"
	}
}

// admissionRules is evaluated top to bottom; the first matching rule wins.
var admissionRules = []struct {
	verdict admissionVerdict
	matches func(admissionInput) bool
}{
	{admitKnownDevice, func(in admissionInput) bool { return in.knownDevice }},
	{admitAllowedAddress, func(in admissionInput) bool { return in.allowedAddress }},
	{admitDiscoverable, func(in admissionInput) bool { return in.discoverable }},
}

func decideAdmission(in admissionInput) admissionVerdict {
	for _, rule := range admissionRules {
		if rule.matches(in) {
			return rule.verdict
		}
	}
	return rejectUnknown
}

// allowedSet holds host addresses that were explicitly targeted by a
// broadcast. Membership admits the next identity from that host even when
// we are not discoverable. Entries are never expired; the stale trust and
// unbounded growth this implies is accepted for the process lifetime.
type allowedSet struct {
	hosts map[string]struct{}
	mut   sync.Mutex
}

func newAllowedSet() *allowedSet {
	return &allowedSet{
		hosts: make(map[string]struct{}),
		mut:   sync.NewMutex(),
	}
}

func (s *allowedSet) add(host string) {
	s.mut.Lock()
	s.hosts[host] = struct{}{}
	s.mut.Unlock()
}

func (s *allowedSet) has(host string) bool {
	s.mut.Lock()
	_, ok := s.hosts[host]
	s.mut.Unlock()
	return ok
}

func (s *allowedSet) addresses() []string {
	s.mut.Lock()
	res := make([]string, 0, len(s.hosts))
	for host := range s.hosts {
		res = append(res, host)
	}
	s.mut.Unlock()
	return res
}
