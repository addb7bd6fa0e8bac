// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ingest

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mbeema/blockprof/pkg/adapter"
)

func TestParseHeader(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = MsgData                                  // msg_type
	buf[1] = ProtocolVersion                          // version
	binary.LittleEndian.PutUint32(buf[4:8], 100)      // payload_len
	binary.LittleEndian.PutUint64(buf[8:16], 1000000) // stamp

	hdr, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader error: %v", err)
	}

	if hdr.MsgType != MsgData {
		t.Errorf("MsgType = %d, want %d", hdr.MsgType, MsgData)
	}
	if hdr.Version != ProtocolVersion {
		t.Errorf("Version = %d, want %d", hdr.Version, ProtocolVersion)
	}
	if hdr.PayloadLen != 100 {
		t.Errorf("PayloadLen = %d, want 100", hdr.PayloadLen)
	}
	if hdr.StampNs != 1000000 {
		t.Errorf("StampNs = %d, want 1000000", hdr.StampNs)
	}
}

func TestParseMessageErrors(t *testing.T) {
	if _, err := ParseMessage(make([]byte, 4)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("short header: expected ErrShortBuffer, got %v", err)
	}

	buf := make([]byte, HeaderSize)
	buf[0] = 9
	if _, err := ParseMessage(buf); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("bad type: expected ErrUnknownMessage, got %v", err)
	}

	buf[0] = MsgIndex
	binary.LittleEndian.PutUint32(buf[4:8], 10)
	if _, err := ParseMessage(buf); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("truncated payload: expected ErrShortBuffer, got %v", err)
	}
}

func TestIndexEncoding(t *testing.T) {
	in := adapter.IndexMessage{
		Node: "/planner",
		Entries: []adapter.IndexEntry{
			{ID: 2, Label: "/planner/loop"},
			{ID: 4, Label: "solve"},
		},
	}
	buf, err := EncodeIndex(in, 77)
	if err != nil {
		t.Fatalf("EncodeIndex: %v", err)
	}

	msg, err := ParseMessage(buf)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Header.MsgType != MsgIndex || msg.Header.StampNs != 77 {
		t.Errorf("header = %+v", msg.Header)
	}
	out, err := DecodeIndex(msg.Payload)
	if err != nil {
		t.Fatalf("DecodeIndex: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}
}

func TestDataEncoding(t *testing.T) {
	in := adapter.DataMessage{
		Node:    "/planner",
		StampNs: 5,
		Threads: []adapter.ThreadEvents{
			{ThreadID: 11, Events: []adapter.RawEvent{{EventID: 2, StampNs: 100}, {EventID: 3, StampNs: 180}}},
			{ThreadID: 12, Events: []adapter.RawEvent{}},
		},
	}
	buf, err := EncodeData(in)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	msg, err := ParseMessage(buf)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	out, err := DecodeData(msg.Payload, msg.Header.StampNs)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeDataRejectsOversizedCounts(t *testing.T) {
	w := &writer{}
	w.str("/n")
	w.u32(1)
	w.u32(7)          // thread id
	w.u32(1_000_000) // claims far more events than present
	w.u32(2)

	if _, err := DecodeData(w.buf, 0); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
}

func TestMsgTypeName(t *testing.T) {
	tests := []struct {
		t    uint8
		name string
	}{
		{MsgIndex, "INDEX"},
		{MsgData, "DATA"},
		{42, "UNKNOWN(42)"},
	}
	for _, tt := range tests {
		if got := MsgTypeName(tt.t); got != tt.name {
			t.Errorf("MsgTypeName(%d) = %q, want %q", tt.t, got, tt.name)
		}
	}
}
