// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sync

import (
	"os"
	"strconv"
	"time"

	"github.com/gconnect/gconnect/lib/logger"
)

var (
	threshold = 100 * time.Millisecond
	l         = logger.DefaultLogger.NewFacility("sync", "Mutexes")

	// An actual "if debug { ... }" variable, as this may be performance
	// critical and the checks happen on every lock operation.
	debug = logger.DefaultLogger.ShouldDebug("sync")
)

func init() {
	if n, _ := strconv.Atoi(os.Getenv("GCLOCKTHRESHOLD")); n > 0 {
		threshold = time.Duration(n) * time.Millisecond
	}
}
