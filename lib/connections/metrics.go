// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricChannelsEstablished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gconnect",
	Subsystem: "connections",
	Name:      "channels_established_total",
	Help:      "Number of channels established, per handshake role.",
}, []string{"role"})

var metricChannelsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gconnect",
	Subsystem: "connections",
	Name:      "channels_failed_total",
	Help:      "Number of channel establishment attempts that failed, per handshake role.",
}, []string{"role"})

var metricAdmissionsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gconnect",
	Subsystem: "connections",
	Name:      "admissions_rejected_total",
	Help:      "Number of identity announcements or connections dropped by the admission decision.",
})

var metricTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gconnect",
	Subsystem: "connections",
	Name:      "transfers_total",
	Help:      "Number of completed payload transfers, per direction and outcome.",
}, []string{"direction", "outcome"})

var metricTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gconnect",
	Subsystem: "connections",
	Name:      "transfer_bytes_total",
	Help:      "Number of payload bytes moved, per direction.",
}, []string{"direction"})

func transferOutcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
