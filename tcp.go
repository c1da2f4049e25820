package main

import (
	"fmt"
	"io"
	"net"
	"time"
)

// tcpScheme marks a device path as a network-attached serial bridge
// (ser2net, ESP-link and the like) instead of a local tty.
const tcpScheme = "tcp://"

const tcpDialTimeout = 5 * time.Second

// dialTCPPort connects to a sensor exposed on host:port. The line protocol
// is the same as over the wire, so the connection is used as the port.
func dialTCPPort(addr string) (io.ReadWriteCloser, error) {
	conn, err := net.DialTimeout("tcp", addr, tcpDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial sensor %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}
