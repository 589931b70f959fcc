// Package client implements a single-stream throughput1 client measuring
// download and upload rates against an M-Lab server.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"
	"github.com/m-lab/speedtracker/internal/netx"
	"github.com/m-lab/speedtracker/pkg/model"
	"github.com/m-lab/speedtracker/pkg/throughput1"
	"github.com/m-lab/speedtracker/pkg/throughput1/spec"
)

const (
	// DefaultWebSocketHandshakeTimeout is the default timeout used by the client
	// for the WebSocket handshake.
	DefaultWebSocketHandshakeTimeout = 5 * time.Second

	// DefaultLength is the default subtest duration for a new client.
	DefaultLength = 5 * time.Second

	// DefaultScheme is the default WebSocket scheme for a new Client.
	DefaultScheme = "wss"

	libraryName    = "speedtracker-client"
	libraryVersion = "v0.1.0"
)

// ErrNoTargets is returned if all Locate targets have been tried.
var ErrNoTargets = errors.New("no targets available")

// Locator is an interface used to get a list of available servers to test against.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// Throughput1Client runs download and upload subtests over single
// throughput1 streams.
type Throughput1Client struct {
	// ClientName is the name of the client sent to the server as part of the user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to the server as part of the user-agent.
	ClientVersion string

	config Config

	dialer  *websocket.Dialer
	locator Locator

	// targets and tIndex cache the results from the Locate API for the
	// duration of a measurement.
	targets []v2.Target
	tIndex  map[string]int
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// New returns a new Throughput1Client with the provided client name, version and config.
// It panics if clientName or clientVersion are empty.
func New(clientName, clientVersion string, config Config) *Throughput1Client {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	if config.Scheme == "" {
		config.Scheme = DefaultScheme
	}
	if config.Length <= 0 {
		config.Length = DefaultLength
	}
	return &Throughput1Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,

		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: DefaultWebSocketHandshakeTimeout,
			// Connections are wrapped with a netx.Conn to count network bytes.
			NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				d := &net.Dialer{}
				conn, err := d.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return netx.FromTCPConn(conn.(*net.TCPConn)), nil
			},
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: config.NoVerify,
			},
		},

		locator: locate.NewClient(makeUserAgent(clientName, clientVersion)),
		tIndex:  map[string]int{},
	}
}

// Measure runs a download subtest followed by an upload subtest and returns
// the rates observed by the client. It implements the scheduler's Probe.
func (c *Throughput1Client) Measure(ctx context.Context, testID int) (model.Result, error) {
	// Locate URLs carry short-lived access tokens, so targets are requested
	// again for every measurement.
	c.targets = nil
	c.tIndex = map[string]int{}
	mid := c.config.MeasurementID
	if mid == "" {
		mid = uuid.NewString()
	}
	log.Debug("Starting measurement", "id", testID, "mid", mid)

	dl, err := c.run(ctx, spec.SubtestDownload, mid)
	if err != nil {
		return model.Result{}, fmt.Errorf("download: %w", err)
	}
	ul, err := c.run(ctx, spec.SubtestUpload, mid)
	if err != nil {
		return model.Result{}, fmt.Errorf("upload: %w", err)
	}
	return model.Result{
		DownloadMbps:    dl.Mbps(),
		UploadMbps:      ul.Mbps(),
		DownloadElapsed: dl.Elapsed,
		UploadElapsed:   ul.Elapsed,
	}, nil
}

// run runs a single subtest. When using the Locate API, every returned
// target is tried in order until one accepts the connection.
func (c *Throughput1Client) run(ctx context.Context, subtest spec.SubtestKind,
	mid string) (throughput1.Stats, error) {
	var conn *websocket.Conn
	for conn == nil {
		mURL, err := c.serviceURL(ctx, subtest, mid)
		if err != nil {
			return throughput1.Stats{}, err
		}
		conn, err = c.connect(ctx, mURL)
		if err != nil {
			if c.config.Server != "" || ctx.Err() != nil {
				return throughput1.Stats{}, err
			}
			log.Warn("Cannot connect, trying the next server", "server", mURL.Host, "error", err)
			conn = nil
		}
	}
	defer conn.Close()
	log.Debug("Connected", "subtest", subtest, "server", conn.RemoteAddr())

	proto := throughput1.New(conn)
	var (
		stats throughput1.Stats
		err   error
	)
	switch subtest {
	case spec.SubtestDownload:
		stats, err = proto.Receive(ctx)
	case spec.SubtestUpload:
		stats, err = proto.Send(ctx, c.config.Length)
	}
	if err != nil {
		return throughput1.Stats{}, err
	}
	log.Debug("Subtest completed", "subtest", subtest, "bytes", stats.Bytes,
		"elapsed", stats.Elapsed, "mbps", stats.Mbps())
	return stats, nil
}

// serviceURL returns the URL to use for the given subtest. If the server has
// been provided, it is used with the default path for the subtest.
func (c *Throughput1Client) serviceURL(ctx context.Context, subtest spec.SubtestKind,
	mid string) (*url.URL, error) {
	if c.config.Server != "" {
		mURL := &url.URL{
			Scheme: c.config.Scheme,
			Host:   c.config.Server,
			Path:   getPathForSubtest(subtest),
		}
		q := mURL.Query()
		q.Set("mid", mid)
		mURL.RawQuery = q.Encode()
		return mURL, nil
	}
	urlStr, err := c.nextURLFromLocate(ctx, getPathForSubtest(subtest))
	if err != nil {
		return nil, err
	}
	return url.Parse(urlStr)
}

func (c *Throughput1Client) connect(ctx context.Context, serviceURL *url.URL) (*websocket.Conn, error) {
	q := serviceURL.Query()
	q.Set("streams", "1")
	q.Set("duration", fmt.Sprintf("%d", c.config.Length.Milliseconds()))
	q.Set("client_arch", runtime.GOARCH)
	q.Set("client_library_name", libraryName)
	q.Set("client_library_version", libraryVersion)
	q.Set("client_os", runtime.GOOS)
	q.Set("client_name", c.ClientName)
	q.Set("client_version", c.ClientVersion)
	serviceURL.RawQuery = q.Encode()
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	headers.Add("User-Agent", makeUserAgent(c.ClientName, c.ClientVersion))
	conn, _, err := c.dialer.DialContext(ctx, serviceURL.String(), headers)
	return conn, err
}

// nextURLFromLocate returns the next URL to try from the Locate API.
// If it's the first time we're calling this function, it contacts the Locate
// API. Subsequently, it returns the next URL from the cache.
// If there are no more URLs to try, it returns an error.
func (c *Throughput1Client) nextURLFromLocate(ctx context.Context, p string) (string, error) {
	if len(c.targets) == 0 {
		targets, err := c.locator.Nearest(ctx, spec.LocateService)
		if err != nil {
			return "", err
		}
		// cache targets on success.
		c.targets = targets
	}
	// The index to access the next URL (tIndex[k]) is per-path rather than global.
	k := c.config.Scheme + "://" + p
	for c.tIndex[k] < len(c.targets) {
		r := c.targets[c.tIndex[k]].URLs[k]
		c.tIndex[k]++
		if r != "" {
			return r, nil
		}
	}
	return "", ErrNoTargets
}

func getPathForSubtest(subtest spec.SubtestKind) string {
	switch subtest {
	case spec.SubtestDownload:
		return spec.DownloadPath
	case spec.SubtestUpload:
		return spec.UploadPath
	default:
		panic(fmt.Sprintf("invalid subtest: %s", subtest))
	}
}
