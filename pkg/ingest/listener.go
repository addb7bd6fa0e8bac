// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/mbeema/blockprof/pkg/adapter"
	"go.uber.org/zap"
)

// Callbacks for decoded messages. All callbacks run on the listener's single
// reader goroutine, in datagram arrival order.
type Callbacks struct {
	OnIndex func(msg adapter.IndexMessage)
	OnData  func(msg adapter.DataMessage)
	// OnError receives datagrams that failed to decode.
	OnError func(err error)
}

// Listener receives index and data datagrams on a Unix DGRAM socket.
//
// Only one goroutine reads the socket. Event order across datagrams is the
// order the call tree is built in, so reads are never spread over workers.
type Listener struct {
	socketPath string
	readBuffer int
	logger     *zap.Logger
	callbacks  Callbacks

	conn   *net.UnixConn
	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// NewListener creates a listener for socketPath. readBuffer sets SO_RCVBUF
// when positive.
func NewListener(socketPath string, readBuffer int, callbacks Callbacks, logger *zap.Logger) *Listener {
	return &Listener{
		socketPath: socketPath,
		readBuffer: readBuffer,
		logger:     logger,
		callbacks:  callbacks,
		stopCh:     make(chan struct{}),
	}
}

// Start binds the socket and begins reading.
func (l *Listener) Start(ctx context.Context) error {
	dir := filepath.Dir(l.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Remove stale socket
	os.Remove(l.socketPath)

	addr := &net.UnixAddr{Name: l.socketPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	l.conn = conn

	if l.readBuffer > 0 {
		if err := setReadBuffer(conn, l.readBuffer); err != nil {
			l.logger.Warn("failed to set socket read buffer", zap.Int("bytes", l.readBuffer), zap.Error(err))
		}
	}

	// Allow instrumented processes of any user to write
	os.Chmod(l.socketPath, 0777)

	l.logger.Info("ingest listener started", zap.String("socket", l.socketPath))

	l.wg.Add(1)
	go l.readLoop(ctx)

	return nil
}

// Stop closes the socket and waits for the reader to exit.
func (l *Listener) Stop() error {
	l.once.Do(func() {
		close(l.stopCh)
		if l.conn != nil {
			l.conn.Close()
		}
		l.wg.Wait()
		os.Remove(l.socketPath)
	})
	return nil
}

// SocketPath returns the bound socket path.
func (l *Listener) SocketPath() string {
	return l.socketPath
}

func (l *Listener) readLoop(ctx context.Context) {
	defer l.wg.Done()

	buf := make([]byte, MaxDatagram)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		n, err := l.conn.Read(buf)
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug("read error", zap.Error(err))
			continue
		}

		if err := l.handle(buf[:n]); err != nil {
			l.logger.Debug("dropping datagram", zap.Int("size", n), zap.Error(err))
			if l.callbacks.OnError != nil {
				l.callbacks.OnError(err)
			}
		}
	}
}

// handle decodes one datagram and dispatches it.
func (l *Listener) handle(buf []byte) error {
	msg, err := ParseMessage(buf)
	if err != nil {
		return err
	}
	if msg.Header.Version != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", msg.Header.Version)
	}

	switch msg.Header.MsgType {
	case MsgIndex:
		idx, err := DecodeIndex(msg.Payload)
		if err != nil {
			return err
		}
		if l.callbacks.OnIndex != nil {
			l.callbacks.OnIndex(idx)
		}

	case MsgData:
		data, err := DecodeData(msg.Payload, msg.Header.StampNs)
		if err != nil {
			return err
		}
		if l.callbacks.OnData != nil {
			l.callbacks.OnData(data)
		}
	}
	return nil
}

// Sender writes datagrams to a listener socket. Instrumented processes and
// tests use it to publish messages.
type Sender struct {
	conn *net.UnixConn
}

// Dial connects a Sender to socketPath.
func Dial(socketPath string) (*Sender, error) {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Sender{conn: conn}, nil
}

// SendIndex publishes an index message.
func (s *Sender) SendIndex(msg adapter.IndexMessage, stampNs uint64) error {
	buf, err := EncodeIndex(msg, stampNs)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(buf)
	return err
}

// SendData publishes a data message.
func (s *Sender) SendData(msg adapter.DataMessage) error {
	buf, err := EncodeData(msg)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(buf)
	return err
}

// Close closes the connection.
func (s *Sender) Close() error {
	return s.conn.Close()
}
