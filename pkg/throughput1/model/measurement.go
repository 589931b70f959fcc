// Package model contains the messages exchanged during a throughput1 test.
package model

// WireMeasurement is a wrapper for Measurement structs that contains
// information about this TCP stream that does not need to be sent every time.
// Every field except for Measurement is only expected to be non-empty once.
type WireMeasurement struct {
	// CC is the congestion control used by the sender of this WireMeasurement.
	CC string `json:",omitempty"`
	// UUID is the unique identifier for this TCP stream.
	UUID string `json:",omitempty"`
	// LocalAddr is the local TCP endpoint (ip:port).
	LocalAddr string `json:",omitempty"`
	// RemoteAddr is the remote TCP endpoint (ip:port).
	RemoteAddr string `json:",omitempty"`
	// Measurement is the Measurement struct wrapped by this WireMeasurement.
	Measurement
}

// Measurement contains measurement results. This structure is meant to be
// serialised as JSON and sent as a textual message.
type Measurement struct {
	// Application contains the application-level BytesSent/Received pair.
	Application ByteCounters
	// Network contains the network-level BytesSent/Received pair.
	Network ByteCounters
	// ElapsedTime is the time elapsed since the start of the measurement
	// according to the party sending this Measurement, in microseconds.
	ElapsedTime int64 `json:",omitempty"`
	// TCPInfo is an optional map containing some of the TCP_INFO kernel
	// metrics for this TCP stream. Only the server side fills it.
	TCPInfo map[string]int64 `json:",omitempty"`
}

// ByteCounters contains a BytesSent/BytesReceived pair.
type ByteCounters struct {
	// BytesSent is the number of bytes sent.
	BytesSent int64 `json:",omitempty"`
	// BytesReceived is the number of bytes received.
	BytesReceived int64 `json:",omitempty"`
}
