package model

// ConnectionState is the process-wide status of the alert feed session as
// shown to operators.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)
