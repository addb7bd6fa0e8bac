//go:build !linux

package ingest

import "net"

func setReadBuffer(conn *net.UnixConn, size int) error {
	return conn.SetReadBuffer(size)
}
