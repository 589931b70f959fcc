// Package throughput1 implements both ends of a single throughput1 stream.
// The sending side writes random binary messages of increasing size for a
// fixed length of time, while the receiving side discards them and counts
// their size. Both sides periodically send their own Measurement as a text
// message.
package throughput1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedtracker/internal/netx"
	"github.com/m-lab/speedtracker/pkg/throughput1/model"
	"github.com/m-lab/speedtracker/pkg/throughput1/spec"
)

// closeTimeout is how long to wait for the other party to acknowledge a
// close message.
const closeTimeout = time.Second

// Stats summarizes one side of a stream.
type Stats struct {
	// Bytes is the number of application-level bytes transferred in the
	// direction of the test.
	Bytes int64
	// Elapsed is the duration of the stream.
	Elapsed time.Duration
	// Peer is the last Measurement received from the other party, if any.
	Peer *model.WireMeasurement
}

// Mbps returns the average application-level rate in Mb/s.
func (s Stats) Mbps() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return 8 * float64(s.Bytes) / 1e6 / s.Elapsed.Seconds()
}

// Protocol is the implementation of the throughput1 protocol.
type Protocol struct {
	conn     *websocket.Conn
	connInfo netx.ConnInfo
	rnd      *rand.Rand
	once     sync.Once
	start    time.Time

	applicationBytesReceived atomic.Int64
	applicationBytesSent     atomic.Int64

	mu   sync.Mutex
	peer *model.WireMeasurement
}

// New returns a new Protocol for the specified connection. The connection's
// underlying net.Conn must be a *netx.Conn, possibly wrapped by TLS.
func New(conn *websocket.Conn) *Protocol {
	return &Protocol{
		conn:     conn,
		connInfo: netx.ToConnInfo(conn.UnderlyingConn()),
		// Seed randomness source with the current time.
		rnd: rand.New(rand.NewSource(time.Now().UnixMilli())),
	}
}

// Upgrade takes a HTTP request and upgrades the connection to WebSocket.
// Returns a websocket Conn if the upgrade succeeded, and an error otherwise.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	// We expect WebSocket's subprotocol to be throughput1's. The same subprotocol is
	// added as a header on the response.
	if r.Header.Get("Sec-WebSocket-Protocol") != spec.SecWebSocketProtocol {
		w.WriteHeader(http.StatusBadRequest)
		return nil, errors.New("missing Sec-WebSocket-Protocol header")
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	u := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		// Set r/w buffers to the maximum expected message size.
		ReadBufferSize:  spec.MaxScaledMessageSize,
		WriteBufferSize: spec.MaxScaledMessageSize,
	}
	return u.Upgrade(w, r, h)
}

// Receive reads from the connection until the other party closes it
// normally, then returns the number of bytes received. While receiving, it
// periodically sends its own Measurement to the other party.
func (p *Protocol) Receive(ctx context.Context) (Stats, error) {
	p.begin(ctx)
	stop := context.AfterFunc(ctx, func() { p.conn.UnderlyingConn().Close() })
	defer stop()

	tickCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.counterflow(tickCtx)
	}()
	defer wg.Wait()
	defer cancel()

	err := p.receiver()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		if ctx.Err() != nil {
			return Stats{}, ctx.Err()
		}
		return Stats{}, err
	}
	return p.stats(p.applicationBytesReceived.Load()), nil
}

// Send writes binary messages for the given length of time, then closes the
// stream and returns the number of bytes sent.
func (p *Protocol) Send(ctx context.Context, length time.Duration) (Stats, error) {
	p.begin(ctx)
	stop := context.AfterFunc(ctx, func() { p.conn.UnderlyingConn().Close() })
	defer stop()

	// Incoming messages must be read for control messages to be processed.
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.receiver()
	}()

	sendCtx, cancel := context.WithTimeout(ctx, length)
	defer cancel()
	ticker := newTicker(sendCtx)
	defer ticker.Stop()

	size := spec.MinMessageSize
	message, err := p.makePreparedMessage(size)
	if err != nil {
		return Stats{}, err
	}
	for {
		select {
		case <-sendCtx.Done():
			if ctx.Err() != nil {
				return Stats{}, ctx.Err()
			}
			// Attempt to send a final measurement before closing. Ignore errors.
			p.sendWireMeasurement()
			if err := p.close(); err != nil {
				return Stats{}, err
			}
			stats := p.stats(p.applicationBytesSent.Load())
			select {
			case <-errCh:
			case <-time.After(closeTimeout):
				log.Debug("Close message not acknowledged", "remote", p.conn.RemoteAddr())
			}
			return stats, nil
		case err := <-errCh:
			// The other party is not expected to close the stream first.
			if ctx.Err() != nil {
				return Stats{}, ctx.Err()
			}
			return Stats{}, err
		case <-ticker.C:
			if err := p.sendWireMeasurement(); err != nil {
				return Stats{}, err
			}
		default:
			if err := p.conn.WritePreparedMessage(message); err != nil {
				if ctx.Err() != nil {
					return Stats{}, ctx.Err()
				}
				return Stats{}, err
			}
			sent := p.applicationBytesSent.Add(int64(size))

			// Determine whether it's time to scale the message size.
			if size >= spec.MaxScaledMessageSize || int64(size) > sent/spec.ScalingFraction {
				continue
			}
			size *= 2
			message, err = p.makePreparedMessage(size)
			if err != nil {
				return Stats{}, err
			}
		}
	}
}

// begin records the start time and applies the maximum runtime deadline.
func (p *Protocol) begin(ctx context.Context) {
	p.start = time.Now()
	// In no case this stream will run for longer than spec.MaxRuntime.
	deadline := p.start.Add(spec.MaxRuntime)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.conn.SetWriteDeadline(deadline)
	p.conn.SetReadDeadline(deadline)
}

func (p *Protocol) stats(bytes int64) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Bytes:   bytes,
		Elapsed: time.Since(p.start),
		Peer:    p.peer,
	}
}

// receiver reads from the connection until NextReader fails, updating the
// received byte counter and keeping the latest Measurement received.
func (p *Protocol) receiver() error {
	for {
		kind, reader, err := p.conn.NextReader()
		if err != nil {
			return err
		}
		switch kind {
		case websocket.BinaryMessage:
			// Binary messages are discarded after reading their size.
			size, err := io.Copy(io.Discard, reader)
			if err != nil {
				return err
			}
			p.applicationBytesReceived.Add(size)
		case websocket.TextMessage:
			data, err := io.ReadAll(reader)
			if err != nil {
				return err
			}
			p.applicationBytesReceived.Add(int64(len(data)))
			var m model.WireMeasurement
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			log.Debug("Measurement received", "remote", p.conn.RemoteAddr(),
				"elapsed", time.Duration(m.ElapsedTime)*time.Microsecond,
				"sent", m.Application.BytesSent, "received", m.Application.BytesReceived)
			p.mu.Lock()
			p.peer = &m
			p.mu.Unlock()
		}
	}
}

// counterflow sends a Measurement at random intervals until ctx is done.
func (p *Protocol) counterflow(ctx context.Context) {
	ticker := newTicker(ctx)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.sendWireMeasurement(); err != nil {
				return
			}
		}
	}
}

func newTicker(ctx context.Context) *memoryless.Ticker {
	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      spec.MinMeasureInterval,
		Expected: spec.AvgMeasureInterval,
		Max:      spec.MaxMeasureInterval,
	})
	// This can only error if min/expected/max above are set to invalid
	// values. Since they are constants, we panic here.
	rtx.PanicOnError(err, "ticker creation failed (this should never happen)")
	return t
}

// makePreparedMessage returns a websocket.PreparedMessage of the requested
// size filled with random bytes read from the Protocol's randomness source.
func (p *Protocol) makePreparedMessage(size int) (*websocket.PreparedMessage, error) {
	data := make([]byte, size)
	p.rnd.Read(data)
	return websocket.NewPreparedMessage(websocket.BinaryMessage, data)
}

func (p *Protocol) sendWireMeasurement() error {
	wm := model.WireMeasurement{}
	p.once.Do(func() {
		wm.UUID = p.connInfo.UUID()
		wm.LocalAddr = p.conn.LocalAddr().String()
		wm.RemoteAddr = p.conn.RemoteAddr().String()
	})
	read, written := p.connInfo.ByteCounters()
	wm.Measurement = model.Measurement{
		Application: model.ByteCounters{
			BytesSent:     p.applicationBytesSent.Load(),
			BytesReceived: p.applicationBytesReceived.Load(),
		},
		Network: model.ByteCounters{
			BytesSent:     int64(written),
			BytesReceived: int64(read),
		},
		ElapsedTime: time.Since(p.start).Microseconds(),
	}
	// Encode as JSON separately so we can read the message size before
	// sending.
	data, err := json.Marshal(wm)
	if err != nil {
		return err
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug("Cannot write measurement", "remote", p.conn.RemoteAddr(), "error", err)
		return err
	}
	p.applicationBytesSent.Add(int64(len(data)))
	return nil
}

func (p *Protocol) close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Done sending")
	err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	if err != nil {
		return err
	}
	// The closing message is part of the measurement and added to bytesSent.
	p.applicationBytesSent.Add(int64(len(msg)))
	return nil
}
