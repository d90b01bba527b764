// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"crypto/tls"
	"path/filepath"
	"testing"

	"github.com/gconnect/gconnect/lib/protocol"
	"github.com/gconnect/gconnect/lib/tlsutil"
)

// testPeer bundles an identity with its TLS configurations.
type testPeer struct {
	identity  protocol.Identity
	clientCfg *tls.Config
	serverCfg *tls.Config
}

func newTestPeer(t *testing.T, deviceID string) testPeer {
	t.Helper()
	dir := t.TempDir()
	cert, err := tlsutil.NewCertificate(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"), deviceID)
	if err != nil {
		t.Fatal(err)
	}
	return testPeer{
		identity: protocol.Identity{
			DeviceID:   deviceID,
			DeviceName: deviceID,
			DeviceType: "desktop",
		},
		clientCfg: tlsutil.SecureDefaultForClient(cert),
		serverCfg: tlsutil.SecureDefaultForServer(cert),
	}
}
