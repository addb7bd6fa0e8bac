// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Message types carried in the header msg_type field.
const (
	MsgIndex = 1
	MsgData  = 2
)

// ProtocolVersion is written by the encoders and accepted by the decoder.
const ProtocolVersion = 1

// HeaderSize is the fixed size of the binary wire protocol header.
const HeaderSize = 16

// MaxDatagram is the largest datagram the listener reads.
const MaxDatagram = 64 * 1024

var (
	// ErrShortBuffer is returned for truncated headers or payloads.
	ErrShortBuffer = errors.New("short buffer")
	// ErrUnknownMessage is returned for an unrecognized msg_type.
	ErrUnknownMessage = errors.New("unknown message type")
)

// Header is the fixed prefix of every datagram.
//
//	0      1        2          4            8           16
//	| type | version | reserved | payload_len | stamp_ns  |
type Header struct {
	MsgType    uint8
	Version    uint8
	PayloadLen uint32
	StampNs    uint64
}

// Message is a header with its payload.
type Message struct {
	Header  Header
	Payload []byte
}

// MsgTypeName returns a human-readable name for a message type.
func MsgTypeName(t uint8) string {
	switch t {
	case MsgIndex:
		return "INDEX"
	case MsgData:
		return "DATA"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// ParseHeader decodes a 16-byte binary header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header %d < %d", ErrShortBuffer, len(buf), HeaderSize)
	}

	return Header{
		MsgType:    buf[0],
		Version:    buf[1],
		PayloadLen: binary.LittleEndian.Uint32(buf[4:8]),
		StampNs:    binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// ParseMessage decodes a complete message from a byte buffer. The payload
// is copied out of buf.
func ParseMessage(buf []byte) (*Message, error) {
	hdr, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if hdr.MsgType != MsgIndex && hdr.MsgType != MsgData {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, hdr.MsgType)
	}

	msg := &Message{Header: hdr}

	if hdr.PayloadLen > 0 {
		if uint64(len(buf)) < uint64(HeaderSize)+uint64(hdr.PayloadLen) {
			return nil, fmt.Errorf("%w: payload have %d, need %d",
				ErrShortBuffer, len(buf)-HeaderSize, hdr.PayloadLen)
		}
		msg.Payload = make([]byte, hdr.PayloadLen)
		copy(msg.Payload, buf[HeaderSize:HeaderSize+int(hdr.PayloadLen)])
	}

	return msg, nil
}

func putHeader(buf []byte, msgType uint8, payloadLen int, stampNs uint64) {
	buf[0] = msgType
	buf[1] = ProtocolVersion
	binary.LittleEndian.PutUint32(buf[4:8], uint32(payloadLen))
	binary.LittleEndian.PutUint64(buf[8:16], stampNs)
}
