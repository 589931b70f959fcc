package client

import (
	"time"
)

// Config is the configuration for a Throughput1Client.
type Config struct {
	// Server is the server to connect to (host:port). If empty, the server is
	// obtained by querying the Locate API before each measurement.
	Server string

	// Scheme is the WebSocket scheme used to connect to the server (ws or wss).
	Scheme string

	// Length is the duration of the upload subtest. It is also requested to
	// the server as the duration of the download subtest.
	Length time.Duration

	// MeasurementID is the manually configured Measurement ID ("mid") to pass
	// to the server. If empty, a new one is generated for every measurement.
	MeasurementID string

	// NoVerify disables the TLS certificate verification.
	NoVerify bool
}
