// Package netx provides a TCP listener whose connections carry their accept
// time, a unique identifier and byte counters.
package netx

import (
	"net"
)

// Listener is a TCPListener. Connections accepted by this listener are
// *netx.Conn.
type Listener struct {
	*net.TCPListener
}

// NewListener returns a netx.Listener.
func NewListener(l *net.TCPListener) *Listener {
	return &Listener{
		TCPListener: l,
	}
}

// Listen announces on the given TCP address and returns a netx.Listener.
func Listen(addr string) (*Listener, error) {
	// The accept backlog is the kernel's somaxconn, not a fixed 10: Go does
	// not expose the listen(2) backlog.
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewListener(l.(*net.TCPListener)), nil
}

// Accept accepts a connection and returns a netx.Conn which includes the
// connection's accept time.
func (ln *Listener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	return FromTCPConn(tc), nil
}
