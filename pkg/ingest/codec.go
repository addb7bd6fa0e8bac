// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ingest

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mbeema/blockprof/pkg/adapter"
)

// reader walks a little-endian payload.
type reader struct {
	buf []byte
	off int
}

func (r *reader) need(n int) error {
	if len(r.buf)-r.off < n {
		return fmt.Errorf("%w: at offset %d need %d, have %d", ErrShortBuffer, r.off, n, len(r.buf)-r.off)
	}
	return nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

// count reads a u32 element count and rejects counts that cannot fit in
// the rest of the payload at minSize bytes each.
func (r *reader) count(minSize int) (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minSize) > uint64(len(r.buf)-r.off) {
		return 0, fmt.Errorf("%w: %d elements of %d bytes at offset %d", ErrShortBuffer, n, minSize, r.off)
	}
	return int(n), nil
}

// DecodeIndex decodes the payload of a MsgIndex message.
func DecodeIndex(payload []byte) (adapter.IndexMessage, error) {
	r := &reader{buf: payload}
	var msg adapter.IndexMessage

	node, err := r.str()
	if err != nil {
		return msg, fmt.Errorf("index node: %w", err)
	}
	msg.Node = node

	n, err := r.count(6)
	if err != nil {
		return msg, fmt.Errorf("index count: %w", err)
	}
	msg.Entries = make([]adapter.IndexEntry, 0, n)
	for i := 0; i < n; i++ {
		id, err := r.u32()
		if err != nil {
			return msg, fmt.Errorf("index entry %d: %w", i, err)
		}
		label, err := r.str()
		if err != nil {
			return msg, fmt.Errorf("index entry %d label: %w", i, err)
		}
		msg.Entries = append(msg.Entries, adapter.IndexEntry{ID: id, Label: label})
	}
	return msg, nil
}

// DecodeData decodes the payload of a MsgData message.
func DecodeData(payload []byte, stampNs uint64) (adapter.DataMessage, error) {
	r := &reader{buf: payload}
	msg := adapter.DataMessage{StampNs: stampNs}

	node, err := r.str()
	if err != nil {
		return msg, fmt.Errorf("data node: %w", err)
	}
	msg.Node = node

	threads, err := r.count(8)
	if err != nil {
		return msg, fmt.Errorf("thread count: %w", err)
	}
	msg.Threads = make([]adapter.ThreadEvents, 0, threads)
	for i := 0; i < threads; i++ {
		tid, err := r.u32()
		if err != nil {
			return msg, fmt.Errorf("thread %d: %w", i, err)
		}
		n, err := r.count(12)
		if err != nil {
			return msg, fmt.Errorf("thread %d event count: %w", tid, err)
		}
		th := adapter.ThreadEvents{ThreadID: tid, Events: make([]adapter.RawEvent, n)}
		for j := range th.Events {
			id, _ := r.u32()
			stamp, _ := r.u64()
			th.Events[j] = adapter.RawEvent{EventID: id, StampNs: stamp}
		}
		msg.Threads = append(msg.Threads, th)
	}
	return msg, nil
}

// writer appends little-endian fields.
type writer struct {
	buf []byte
}

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) str(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string of %d bytes exceeds %d", len(s), math.MaxUint16)
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

func newWriter() *writer {
	return &writer{buf: make([]byte, HeaderSize, 256)}
}

func (w *writer) finish(msgType uint8, stampNs uint64) ([]byte, error) {
	if len(w.buf) > MaxDatagram {
		return nil, fmt.Errorf("%s message of %d bytes exceeds %d", MsgTypeName(msgType), len(w.buf), MaxDatagram)
	}
	putHeader(w.buf, msgType, len(w.buf)-HeaderSize, stampNs)
	return w.buf, nil
}

// EncodeIndex encodes an index message into a datagram.
func EncodeIndex(msg adapter.IndexMessage, stampNs uint64) ([]byte, error) {
	w := newWriter()
	if err := w.str(msg.Node); err != nil {
		return nil, fmt.Errorf("index node: %w", err)
	}
	w.u32(uint32(len(msg.Entries)))
	for _, e := range msg.Entries {
		w.u32(e.ID)
		if err := w.str(e.Label); err != nil {
			return nil, fmt.Errorf("index label %d: %w", e.ID, err)
		}
	}
	return w.finish(MsgIndex, stampNs)
}

// EncodeData encodes a data message into a datagram.
func EncodeData(msg adapter.DataMessage) ([]byte, error) {
	w := newWriter()
	if err := w.str(msg.Node); err != nil {
		return nil, fmt.Errorf("data node: %w", err)
	}
	w.u32(uint32(len(msg.Threads)))
	for _, th := range msg.Threads {
		w.u32(th.ThreadID)
		w.u32(uint32(len(th.Events)))
		for _, ev := range th.Events {
			w.u32(ev.EventID)
			w.u64(ev.StampNs)
		}
	}
	return w.finish(MsgData, msg.StampNs)
}
