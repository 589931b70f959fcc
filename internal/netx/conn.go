package netx

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	guuid "github.com/google/uuid"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/uuid"
)

// ConnInfo provides information about an accepted connection.
type ConnInfo interface {
	ByteCounters() (uint64, uint64)
	AcceptTime() time.Time
	UUID() string
}

// ToConnInfo is a helper function to convert a net.Conn into a netx.ConnInfo.
// It panics if netConn does not contain a type supporting ConnInfo.
func ToConnInfo(netConn net.Conn) ConnInfo {
	switch t := netConn.(type) {
	case *Conn:
		return t
	case *tls.Conn:
		return ToConnInfo(t.NetConn())
	default:
		panic(fmt.Sprintf("unsupported connection type: %T", t))
	}
}

// Conn is an extended net.Conn that stores its accept time, a unique
// identifier and counters for read/written bytes.
type Conn struct {
	net.Conn

	uuid         string
	acceptTime   time.Time
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// FromTCPConn wraps tcpConn into a Conn, using the current time as its
// accept time.
func FromTCPConn(tcpConn *net.TCPConn) *Conn {
	return &Conn{
		Conn:       tcpConn,
		uuid:       connUUID(tcpConn),
		acceptTime: time.Now(),
	}
}

// connUUID returns an M-Lab UUID for tcpConn. On platforms not supporting
// SO_COOKIE, it returns a google/uuid as a fallback. If the fallback fails,
// it panics.
func connUUID(tcpConn *net.TCPConn) string {
	id, err := uuid.FromTCPConn(tcpConn)
	if err != nil {
		gid, err := guuid.NewUUID()
		// NOTE: this could only fail when guuid.GetTime() fails.
		rtx.Must(err, "unable to fallback to uuid")
		id = gid.String()
	}
	return id
}

// Read reads from the underlying net.Conn and updates the read bytes counter.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(uint64(n))
	return n, err
}

// Write writes to the underlying net.Conn and updates the written bytes counter.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesWritten.Add(uint64(n))
	return n, err
}

// ByteCounters returns the read and written byte counters, in this order.
func (c *Conn) ByteCounters() (uint64, uint64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// AcceptTime returns this connection's accept time.
func (c *Conn) AcceptTime() time.Time {
	return c.acceptTime
}

// UUID returns the unique identifier of this connection.
func (c *Conn) UUID() string {
	return c.uuid
}
