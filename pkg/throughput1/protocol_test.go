package throughput1_test

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/testingx"
	"github.com/m-lab/speedtracker/internal/netx"
	"github.com/m-lab/speedtracker/pkg/throughput1"
	"github.com/m-lab/speedtracker/pkg/throughput1/spec"
)

// newServer returns a started httptest.Server whose connections are
// *netx.Conn.
func newServer(t *testing.T, h http.Handler) *httptest.Server {
	s := httptest.NewUnstartedServer(h)
	ln, err := netx.Listen("127.0.0.1:0")
	testingx.Must(t, err, "cannot listen")
	s.Listener.Close()
	s.Listener = ln
	s.Start()
	return s
}

func dial(t *testing.T, s *httptest.Server, path string) *websocket.Conn {
	d := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return netx.FromTCPConn(conn.(*net.TCPConn)), nil
		},
	}
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	conn, _, err := d.Dial("ws"+strings.TrimPrefix(s.URL, "http")+path, headers)
	testingx.Must(t, err, "cannot dial")
	return conn
}

func TestProtocol_Upgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, spec.DownloadPath, bytes.NewReader([]byte{}))
	r.Header.Add("Sec-Websocket-Version", "13")
	r.Header.Add("Sec-WebSocket-Key", "test")
	r.Header.Add("Connection", "upgrade")
	r.Header.Add("Upgrade", "websocket")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := throughput1.Upgrade(w, r)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	rtx.Must(err, "cannot parse server URL")
	r.URL = u
	r.RequestURI = ""

	t.Run("upgrade-correct-protocol", func(t *testing.T) {
		r.Header.Set("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
		resp, err := http.DefaultTransport.RoundTrip(r)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusSwitchingProtocols {
			t.Fatalf("upgrader did not start upgrade")
		}
	})

	t.Run("upgrade-wrong-protocol", func(t *testing.T) {
		r.Header.Set("Sec-WebSocket-Protocol", "wrong-protocol")
		resp, err := http.DefaultTransport.RoundTrip(r)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("upgrader did not return bad request on wrong protocol")
		}
	})
}

func TestProtocol_Download(t *testing.T) {
	length := 300 * time.Millisecond
	sent := make(chan throughput1.Stats, 1)
	s := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := throughput1.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		stats, err := throughput1.New(conn).Send(context.Background(), length)
		if err != nil {
			t.Errorf("Send() failed: %v", err)
		}
		sent <- stats
	}))
	defer s.Close()

	conn := dial(t, s, spec.DownloadPath)
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := throughput1.New(conn).Receive(ctx)
	testingx.Must(t, err, "Receive() failed")

	if got.Bytes <= 0 {
		t.Errorf("Receive() returned %d bytes", got.Bytes)
	}
	if got.Elapsed < length/2 {
		t.Errorf("Receive() returned after %s, sender ran for %s", got.Elapsed, length)
	}
	if got.Mbps() <= 0 {
		t.Errorf("Mbps() = %f", got.Mbps())
	}
	// The sender always sends a final measurement before closing.
	if got.Peer == nil || got.Peer.Application.BytesSent <= 0 {
		t.Errorf("no sender measurement received: %+v", got.Peer)
	}
	select {
	case stats := <-sent:
		if stats.Bytes < got.Bytes {
			t.Errorf("received %d bytes, but only %d were sent", got.Bytes, stats.Bytes)
		}
	case <-time.After(5 * time.Second):
		t.Errorf("sender did not return")
	}
}

func TestProtocol_Upload(t *testing.T) {
	received := make(chan throughput1.Stats, 1)
	s := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := throughput1.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stats, err := throughput1.New(conn).Receive(ctx)
		if err != nil {
			t.Errorf("Receive() failed: %v", err)
		}
		received <- stats
	}))
	defer s.Close()

	conn := dial(t, s, spec.UploadPath)
	defer conn.Close()
	got, err := throughput1.New(conn).Send(context.Background(), 200*time.Millisecond)
	testingx.Must(t, err, "Send() failed")
	if got.Bytes < spec.MinMessageSize {
		t.Errorf("Send() returned %d bytes", got.Bytes)
	}

	select {
	case stats := <-received:
		if stats.Bytes <= 0 || stats.Bytes > got.Bytes {
			t.Errorf("receiver got %d bytes, sender sent %d", stats.Bytes, got.Bytes)
		}
	case <-time.After(5 * time.Second):
		t.Errorf("receiver did not return")
	}
}

func TestProtocol_ReceiveCancel(t *testing.T) {
	done := make(chan struct{})
	s := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := throughput1.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never send anything.
		<-done
	}))
	defer s.Close()
	defer close(done)

	conn := dial(t, s, spec.DownloadPath)
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := throughput1.New(conn).Receive(ctx)
	if err == nil {
		t.Fatalf("Receive() succeeded without data")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Receive() did not honor the context deadline")
	}
}

func TestStats_Mbps(t *testing.T) {
	tests := []struct {
		name  string
		stats throughput1.Stats
		want  float64
	}{
		{name: "one-megabyte-per-second", stats: throughput1.Stats{Bytes: 1e6, Elapsed: time.Second}, want: 8},
		{name: "half-second", stats: throughput1.Stats{Bytes: 1e6, Elapsed: 500 * time.Millisecond}, want: 16},
		{name: "zero-elapsed", stats: throughput1.Stats{Bytes: 1e6}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stats.Mbps(); got != tt.want {
				t.Errorf("Mbps() = %f, want %f", got, tt.want)
			}
		})
	}
}
