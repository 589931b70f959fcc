// Package handler serves the throughput1 download and upload subtests, so
// that speedtracker can measure against a self-hosted server.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/speedtracker/internal/netx"
	"github.com/m-lab/speedtracker/pkg/throughput1"
	"github.com/m-lab/speedtracker/pkg/throughput1/spec"
)

// defaultDuration is the download duration used when the client does not
// request one.
const defaultDuration = 5 * time.Second

// knownOptions are the known throughput1 options.
var knownOptions = map[string]struct{}{
	"streams":  {},
	"duration": {},
	"mid":      {},
}

// Result is the archival data of a single subtest.
type Result struct {
	MeasurementID  string
	UUID           string
	StartTime      time.Time
	EndTime        time.Time
	Server         string
	Client         string
	Direction      string
	ClientMetadata map[string]string
	// Bytes is the number of application-level bytes transferred.
	Bytes int64
	// Mbps is the rate measured by the server.
	Mbps float64
	// Error is set if the subtest failed.
	Error string `json:",omitempty"`
}

type Handler struct {
	archivalDataDir string
}

func New(archivalDataDir string) *Handler {
	return &Handler{
		archivalDataDir: archivalDataDir,
	}
}

func (h *Handler) Download(rw http.ResponseWriter, req *http.Request) {
	h.upgradeAndRunMeasurement(spec.SubtestDownload, rw, req)
}

func (h *Handler) Upload(rw http.ResponseWriter, req *http.Request) {
	h.upgradeAndRunMeasurement(spec.SubtestUpload, rw, req)
}

func (h *Handler) upgradeAndRunMeasurement(kind spec.SubtestKind, rw http.ResponseWriter,
	req *http.Request) {
	mid, err := getMIDFromRequest(req)
	if err != nil {
		log.Info("Received request without mid", "remote", req.RemoteAddr, "error", err)
		writeBadRequest(rw)
		return
	}

	duration := defaultDuration
	if d := req.URL.Query().Get("duration"); d != "" {
		ms, err := strconv.Atoi(d)
		if err != nil || ms <= 0 {
			log.Info("Invalid duration", "remote", req.RemoteAddr, "duration", d)
			writeBadRequest(rw)
			return
		}
		duration = time.Duration(ms) * time.Millisecond
	}
	if duration > spec.MaxRuntime {
		duration = spec.MaxRuntime
	}

	metadata, err := getRequestMetadata(req)
	if err != nil {
		log.Info("Error while parsing metadata", "remote", req.RemoteAddr, "error", err)
		writeBadRequest(rw)
		return
	}

	// Once upgraded, the underlying TCP connection is hijacked, so
	// writeBadRequest cannot be called after attempting an Upgrade.
	wsConn, err := throughput1.Upgrade(rw, req)
	if err != nil {
		log.Info("Websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	defer wsConn.Close()

	// If this is not a netx.Conn, the server was not initialized correctly and
	// the following line will panic.
	conn := netx.ToConnInfo(wsConn.UnderlyingConn())
	result := Result{
		MeasurementID:  mid,
		UUID:           conn.UUID(),
		StartTime:      time.Now(),
		Server:         wsConn.UnderlyingConn().LocalAddr().String(),
		Client:         wsConn.UnderlyingConn().RemoteAddr().String(),
		Direction:      string(kind),
		ClientMetadata: metadata,
	}
	defer func() {
		result.EndTime = time.Now()
		h.writeResult(&result)
	}()

	ctx, cancel := context.WithTimeout(req.Context(), spec.MaxRuntime)
	defer cancel()
	proto := throughput1.New(wsConn)
	var stats throughput1.Stats
	if kind == spec.SubtestDownload {
		stats, err = proto.Send(ctx, duration)
	} else {
		stats, err = proto.Receive(ctx)
	}
	if err != nil {
		log.Warn("Subtest failed", "kind", kind, "uuid", result.UUID, "error", err)
		result.Error = err.Error()
		return
	}
	result.Bytes = stats.Bytes
	result.Mbps = stats.Mbps()
	log.Info("Subtest completed", "kind", kind, "uuid", result.UUID, "mid", mid,
		"mbps", fmt.Sprintf("%.2f", result.Mbps), "elapsed", stats.Elapsed)
}

func (h *Handler) writeResult(result *Result) {
	dir := filepath.Join(h.archivalDataDir, "throughput1", result.StartTime.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error("Cannot create archival directory", "dir", dir, "error", err)
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		log.Error("Cannot marshal result", "uuid", result.UUID, "error", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("throughput1-%s-%s.json", result.Direction, result.UUID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Error("Cannot write result", "path", path, "error", err)
	}
}

// getMIDFromRequest extracts the measurement id ("mid") from a given HTTP
// request, if present.
//
// A measurement ID can be specified in two ways: via a "mid" querystring
// parameter (when access tokens are not required) or via the ID field
// in the JWT access token.
func getMIDFromRequest(req *http.Request) (string, error) {
	// If the request includes a valid JWT token, the claim and the ID are in
	// the request's context already.
	claims := controller.GetClaim(req.Context())
	if claims != nil {
		return claims.ID, nil
	}

	// Otherwise, try getting the "mid" querystring parameter.
	if mid := req.URL.Query().Get("mid"); mid != "" {
		return mid, nil
	}

	return "", errors.New("no valid token nor mid found in the request")
}

// writeBadRequest sends a Bad Request response to the client using writer.
func writeBadRequest(writer http.ResponseWriter) {
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

// getRequestMetadata returns every querystring parameter that is not a known
// option.
func getRequestMetadata(req *http.Request) (map[string]string, error) {
	query := req.URL.Query()
	filtered := map[string]string{}
	for k, v := range query {
		// This maximum length for keys and values is meant to limit abuse.
		if len(k) > 200 || len(v[0]) > 200 {
			return nil, errors.New("maximum key or value length exceeded")
		}
		if _, ok := knownOptions[k]; !ok {
			filtered[k] = v[0]
		}
	}
	return filtered, nil
}
