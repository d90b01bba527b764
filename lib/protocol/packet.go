// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol implements the KDE Connect wire format: newline
// terminated JSON packets with a typed envelope, carried over UDP for
// discovery and over TLS streams for everything else.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeIdentity = "kdeconnect.identity"
	TypePair     = "kdeconnect.pair"
)

var (
	ErrMissingType = errors.New("packet has no type")
	ErrMissingBody = errors.New("packet has no body")
)

// Packet is the envelope for everything on the wire. The body is a free
// form JSON object; well known fields have accessors below.
type Packet struct {
	ID                  int64                  `json:"id"`
	Type                string                 `json:"type"`
	Body                map[string]interface{} `json:"body"`
	PayloadSize         int64                  `json:"payloadSize,omitempty"`
	PayloadTransferInfo map[string]interface{} `json:"payloadTransferInfo,omitempty"`
	PayloadHash         string                 `json:"payloadHash,omitempty"`
}

// Parse decodes a single packet from one line of JSON text. The type and
// body fields are mandatory, and the body must be an object.
func Parse(line []byte) (Packet, error) {
	var aux struct {
		ID                  int64           `json:"id"`
		Type                string          `json:"type"`
		Body                json.RawMessage `json:"body"`
		PayloadSize         int64           `json:"payloadSize"`
		PayloadTransferInfo json.RawMessage `json:"payloadTransferInfo"`
		PayloadHash         string          `json:"payloadHash"`
	}
	if err := json.Unmarshal(line, &aux); err != nil {
		return Packet{}, fmt.Errorf("parsing packet: %w", err)
	}
	if aux.Type == "" {
		return Packet{}, ErrMissingType
	}
	if len(aux.Body) == 0 {
		return Packet{}, ErrMissingBody
	}

	p := Packet{
		ID:          aux.ID,
		Type:        aux.Type,
		PayloadSize: aux.PayloadSize,
		PayloadHash: aux.PayloadHash,
	}
	if err := json.Unmarshal(aux.Body, &p.Body); err != nil {
		return Packet{}, ErrMissingBody
	}
	if p.Body == nil {
		return Packet{}, ErrMissingBody
	}
	if len(aux.PayloadTransferInfo) > 0 {
		if err := json.Unmarshal(aux.PayloadTransferInfo, &p.PayloadTransferInfo); err != nil {
			return Packet{}, fmt.Errorf("parsing payloadTransferInfo: %w", err)
		}
	}
	return p, nil
}

// MarshalLine returns the canonical serialization of the packet: one JSON
// object followed by a newline, suitable for both TCP and UDP transport.
func (p Packet) MarshalLine() ([]byte, error) {
	if p.Type == "" {
		return nil, ErrMissingType
	}
	if p.Body == nil {
		return nil, ErrMissingBody
	}
	bs, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return append(bs, '\n'), nil
}

// Read reads the next newline terminated packet from the reader.
func Read(br *bufio.Reader) (Packet, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return Packet{}, err
	}
	return Parse(line)
}

// DeviceID returns the body deviceId, or the empty string.
func (p Packet) DeviceID() string {
	s, _ := p.Body["deviceId"].(string)
	return s
}

// DeviceName returns the body deviceName, or the empty string.
func (p Packet) DeviceName() string {
	s, _ := p.Body["deviceName"].(string)
	return s
}

// TCPHost returns the body tcpHost, or the empty string.
func (p Packet) TCPHost() string {
	s, _ := p.Body["tcpHost"].(string)
	return s
}

// TCPPort returns the body tcpPort, or zero.
func (p Packet) TCPPort() int {
	return intField(p.Body, "tcpPort")
}

// TransferPort returns payloadTransferInfo.port, or zero.
func (p Packet) TransferPort() int {
	return intField(p.PayloadTransferInfo, "port")
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}
