// Package control implements the command server of the control channel.
//
// The server accepts one client at a time and answers each command with a
// single unframed message. Connection failures are never fatal: the
// connection is closed and the server goes back to accepting clients.
package control

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedtracker/internal/metrics"
	"github.com/m-lab/speedtracker/internal/netx"
	"github.com/m-lab/speedtracker/internal/persistence"
	"github.com/m-lab/speedtracker/pkg/control/spec"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Source provides the data served over the control channel.
type Source interface {
	ReadLatestLog() (string, error)
	AggregateJSON() ([]byte, error)
}

// Server is the control channel server.
type Server struct {
	// IdleTimeout closes connections that do not send a command for this
	// long. Zero disables the timeout.
	IdleTimeout time.Duration

	source Source

	mu    sync.Mutex
	addr  string
	ready chan struct{}
	once  sync.Once
}

// New returns a Server listening on addr and reading data from source.
func New(addr string, source Source) *Server {
	return &Server{
		source: source,
		addr:   addr,
		ready:  make(chan struct{}),
	}
}

// Addr returns the listen address. Once the server has started listening,
// this is the actual bound address, so a restarted listener binds to the
// same port even if the configured port was 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready returns a channel that is closed once the server is listening for
// the first time.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Serve runs the server until ctx is done. Listen and accept failures are
// retried after a jittered exponential backoff. It always returns ctx.Err().
func (s *Server) Serve(ctx context.Context) error {
	b := &backoff{}
	for ctx.Err() == nil {
		ln, err := netx.Listen(s.Addr())
		if err != nil {
			metrics.ConnectionsTotal.WithLabelValues("listen_error").Inc()
			log.Error("Cannot listen for control connections", "addr", s.Addr(), "error", err)
			b.wait(ctx)
			continue
		}
		s.mu.Lock()
		s.addr = ln.Addr().String()
		s.mu.Unlock()
		s.once.Do(func() { close(s.ready) })
		log.Info("Listening for control connections", "addr", ln.Addr())

		s.acceptLoop(ctx, ln, b)
		ln.Close()
		if ctx.Err() == nil {
			b.wait(ctx)
		}
	}
	log.Info("Control server stopped")
	return ctx.Err()
}

// acceptLoop serves clients one at a time until Accept fails.
func (s *Server) acceptLoop(ctx context.Context, ln *netx.Listener, b *backoff) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				metrics.ConnectionsTotal.WithLabelValues("accept_error").Inc()
				log.Warn("Accept failed, restarting listener", "error", err)
			}
			return
		}
		b.reset()
		s.handle(ctx, conn)
	}
}

// handle serves commands on conn until a read or write fails.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	ci := netx.ToConnInfo(conn)
	log.Info("Client connected", "remote", conn.RemoteAddr(), "uuid", ci.UUID())
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		conn.Close()
		read, written := ci.ByteCounters()
		log.Info("Client disconnected", "uuid", ci.UUID(),
			"duration", time.Since(ci.AcceptTime()).Round(time.Millisecond),
			"read", read, "written", written)
	}()

	buf := make([]byte, spec.MaxCommandSize)
	for {
		if s.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			cmd := string(buf[:n])
			log.Debug("Received command", "uuid", ci.UUID(), "command", cmd)
			if _, werr := conn.Write(s.Dispatch(cmd)); werr != nil {
				metrics.ConnectionsTotal.WithLabelValues("write_error").Inc()
				log.Warn("Cannot send response", "uuid", ci.UUID(), "error", werr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				metrics.ConnectionsTotal.WithLabelValues("closed").Inc()
			} else {
				metrics.ConnectionsTotal.WithLabelValues("read_error").Inc()
				log.Debug("Connection read failed", "uuid", ci.UUID(), "error", err)
			}
			return
		}
	}
}

// Dispatch returns the response to cmd. Surrounding whitespace is ignored.
func (s *Server) Dispatch(cmd string) []byte {
	switch strings.TrimSpace(cmd) {
	case spec.CommandPing:
		metrics.CommandsTotal.WithLabelValues(spec.CommandPing).Inc()
		return []byte(spec.ResponsePong)
	case spec.CommandSendLogs:
		metrics.CommandsTotal.WithLabelValues(spec.CommandSendLogs).Inc()
		content, err := s.source.ReadLatestLog()
		if err != nil {
			if !errors.Is(err, persistence.ErrNoLog) {
				log.Warn("Cannot read latest log", "error", err)
			}
			return []byte(spec.ResponseNoLog)
		}
		return []byte(content)
	case spec.CommandSendData:
		metrics.CommandsTotal.WithLabelValues(spec.CommandSendData).Inc()
		data, err := s.source.AggregateJSON()
		if err != nil {
			log.Warn("Cannot serialize records", "error", err)
			return []byte("{}")
		}
		return data
	default:
		metrics.CommandsTotal.WithLabelValues(spec.ResponseUnknown).Inc()
		return []byte(spec.ResponseUnknown)
	}
}

// backoff computes jittered, exponentially increasing waits between
// listener restarts.
type backoff struct {
	next time.Duration
}

func (b *backoff) reset() {
	b.next = 0
}

// wait blocks for the next backoff interval or until ctx is done.
func (b *backoff) wait(ctx context.Context) {
	if b.next < minBackoff {
		b.next = minBackoff
	}
	d := b.next
	b.next *= 2
	if b.next > maxBackoff {
		b.next = maxBackoff
	}
	t, err := memoryless.NewTimer(memoryless.Config{
		Min:      d / 2,
		Expected: d * 3 / 4,
		Max:      d,
	})
	// This can only fail if the config above is invalid, which it is not.
	rtx.PanicOnError(err, "backoff timer creation failed (this should never happen)")
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
