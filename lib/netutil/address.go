// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package netutil contains address helpers that perform no network I/O.
package netutil

import (
	"errors"
	"net"
	"regexp"
	"strings"
)

// hostnameLabel matches one DNS hostname label.
var hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// IsValidAddress returns true if the given string is an IPv4 dotted quad, an
// IPv6 address (optionally with a zone identifier), or a DNS hostname. It is
// a pure grammar check and never performs lookups.
func IsValidAddress(s string) bool {
	if s == "" {
		return false
	}

	if strings.Contains(s, ":") || strings.Contains(s, "%") {
		return isValidIPv6(s)
	}

	if ip := net.ParseIP(s); ip != nil {
		return ip.To4() != nil
	}

	return isValidHostname(s)
}

func isValidIPv6(s string) bool {
	if pct := strings.IndexByte(s, '%'); pct >= 0 {
		// Zone identifiers must be non-empty.
		if pct == len(s)-1 {
			return false
		}
		s = s[:pct]
	}
	ip := net.ParseIP(s)
	return ip != nil && strings.Contains(s, ":")
}

func isValidHostname(s string) bool {
	if len(s) > 253 {
		return false
	}
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return false
	}
	allNumeric := true
	for _, label := range strings.Split(s, ".") {
		if !hostnameLabel.MatchString(label) {
			return false
		}
		if strings.Trim(label, "0123456789") != "" {
			allNumeric = false
		}
	}
	// All-numeric dotted strings are malformed IPv4 addresses, not
	// hostnames.
	return !allNumeric
}

var errNoIP = errors.New("no IP in address")

// IPFromAddr returns the IP of a net.Addr, or an error if it has none.
func IPFromAddr(addr net.Addr) (net.IP, error) {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return addr.IP, nil
	case *net.UDPAddr:
		return addr.IP, nil
	case *net.IPAddr:
		return addr.IP, nil
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip, nil
		}
	}
	return nil, errNoIP
}

// HostFromAddr returns the bare host part of a net.Addr in string form,
// without port or IPv6 zone.
func HostFromAddr(addr net.Addr) string {
	if ip, err := IPFromAddr(addr); err == nil {
		return ip.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
