// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tlsutil

import (
	"crypto/x509"
	"path/filepath"
	"testing"
)

func TestNewCertificate(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	cert, err := NewCertificate(certFile, keyFile, "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.CommonName != "deadbeef" {
		t.Error("unexpected common name:", leaf.Subject.CommonName)
	}

	// A second call must load the same certificate, not regenerate.
	again, err := LoadOrGenerate(certFile, keyFile, "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	leaf2, err := x509.ParseCertificate(again.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if !leaf.Equal(leaf2) {
		t.Error("certificate was regenerated")
	}
}
