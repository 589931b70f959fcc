// Package spec contains constants for the speedtracker control protocol.
//
// The protocol is plain text over a TCP stream. A client sends a command,
// the server replies with a single message. Neither commands nor responses
// are framed.
package spec

import "time"

const (
	// MaxCommandSize is the maximum number of bytes read for a command.
	MaxCommandSize = 4000

	// CommandPing checks that the server is alive.
	CommandPing = "ping"
	// CommandSendLogs requests the content of the latest diagnostic log.
	CommandSendLogs = "send_logs"
	// CommandSendData requests every stored record as a JSON object.
	CommandSendData = "send_data"

	// ResponsePong is the reply to CommandPing.
	ResponsePong = "pong"
	// ResponseUnknown is the reply to unrecognized commands.
	ResponseUnknown = "unknown"
	// ResponseNoLog is the reply to CommandSendLogs when no log exists.
	ResponseNoLog = "no log found"

	// ResponseQuietPeriod is how long a client waits for more data before
	// considering a response complete.
	ResponseQuietPeriod = 250 * time.Millisecond
)
