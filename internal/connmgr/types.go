package connmgr

import "time"

// State is one of the five states of spec.md §4.4's ConnectionManager state
// machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a ConnectionManager. Exactly one of TCPHost or
// SerialPort must be set.
type Config struct {
	TCPHost string
	TCPPort int // default 4403 if zero

	SerialPort string

	ReconnectBaseDelay   time.Duration // default 5s
	MaxReconnectDelay    time.Duration // default 60s
	MaxReconnectAttempts int           // default 10

	HealthCheckInterval time.Duration // default 10s
	HeartbeatTimeout    time.Duration // default 5s
	PacketTimeout       time.Duration // default 60s
	HeartbeatStaleAfter time.Duration // default 30s
	MinConnectInterval  time.Duration // default 30s
	MaxConnectionErrors int           // default 10

	HandshakeTimeout time.Duration // default 10s
}

func (c *Config) setDefaults() {
	if c.TCPPort == 0 {
		c.TCPPort = 4403
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 5 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 60 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.PacketTimeout == 0 {
		c.PacketTimeout = 60 * time.Second
	}
	if c.HeartbeatStaleAfter == 0 {
		c.HeartbeatStaleAfter = 30 * time.Second
	}
	if c.MinConnectInterval == 0 {
		c.MinConnectInterval = 30 * time.Second
	}
	if c.MaxConnectionErrors == 0 {
		c.MaxConnectionErrors = 10
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Radio is the ready interface ConnectionManager hands to callers
// (TracerouteManager, Bridge) instead of letting them touch the wire
// connection directly — spec.md §3 "ConnectionManager exclusively owns the
// radio handle".
type Radio interface {
	MyNodeID() string
	LoRaInfo() (modemPreset string, channelNum int)
	SendText(text string, channelIndex int, destinationID string) error
	SendTraceroute(destNodeID string, hopLimit int) error
}

// EventKind distinguishes the two events ConnectionManager's callback
// registry can deliver, standing in for the Python event-bus subscriptions
// of spec.md §9.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
)

// Listener is invoked on connection state transitions. Subscriptions are
// tied to the ConnectionManager's lifetime and are never called again after
// Close.
type Listener func(kind EventKind, detail string)
