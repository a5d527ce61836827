package session

import "fmt"

// State is the connection state of a [Session].
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Subscribed
	Error
	ShuttingDown
)

var stateNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Subscribed:   "subscribed",
	Error:        "error",
	ShuttingDown: "shutting_down",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ConnectionError is fatal: the agent tears down and exits non-zero.
// Dial, TLS and handshake failures, broker refusals and lost
// connections all end up here.
type ConnectionError struct {
	// Op is what failed: "connect", "connack" or "connection lost".
	Op string
	// Code is the CONNACK return code for refusals.
	Code byte
	Err  error
}

func (e *ConnectionError) Error() string {
	msg := "connection error: " + e.Op
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d, %s)", e.Code, ConnackReason(e.Code))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConnackReason names an MQTT 3.1.1 CONNACK return code. MQTT 5 reason
// codes of 0x80 and above are reported generically.
func ConnackReason(code byte) string {
	switch code {
	case 0x00:
		return "accepted"
	case 0x01:
		return "unacceptable protocol version"
	case 0x02:
		return "identifier rejected"
	case 0x03:
		return "server unavailable"
	case 0x04:
		return "bad user name or password"
	case 0x05:
		return "not authorized"
	}
	if code >= 0x80 {
		return fmt.Sprintf("refused, reason code 0x%02x", code)
	}
	return "unknown"
}
