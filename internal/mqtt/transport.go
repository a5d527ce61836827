package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/thingshadow/internal/config"
	"github.com/nugget/thingshadow/internal/events"
)

// Transport is the publish/subscribe capability the session drives.
// Acknowledgments arrive asynchronously on the events queue the
// transport was built with.
type Transport interface {
	// Connect dials host:port and performs the MQTT handshake. It
	// returns nil once the broker has answered, pushing a
	// [events.ConnectAck] carrying the broker's return code (which may
	// be a refusal). Dial, TLS and protocol failures before any answer
	// are returned as errors.
	Connect(ctx context.Context, host string, port int, tlsCfg *tls.Config) error
	// Subscribe requests topic at qos. A [events.SubscribeAck] follows.
	Subscribe(ctx context.Context, topic string, qos byte) error
	// Unsubscribe drops the given topic filters.
	Unsubscribe(ctx context.Context, topics ...string) error
	// Publish sends payload. A [events.PublishAck] follows once the
	// library reports the publish complete (written for QoS 0).
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	// Disconnect closes the session. It is safe to call when not
	// connected.
	Disconnect(ctx context.Context) error
}

// ErrNotConnected is returned by transport operations attempted
// without an established connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// Options tunes a transport. Zero values fall back to the library
// defaults used by the agents.
type Options struct {
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

const (
	defaultKeepAlive      = 60 * time.Second
	defaultConnectTimeout = 30 * time.Second

	// disconnectQuiesce is how long a v3.1.1 client waits for in-flight
	// work before closing.
	disconnectQuiesce = 250 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.KeepAlive <= 0 {
		o.KeepAlive = defaultKeepAlive
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// New returns the transport implementing protocol ([config.ProtocolV311]
// or [config.ProtocolV5]).
func New(protocol string, queue *events.Queue, opts Options) (Transport, error) {
	switch protocol {
	case "", config.ProtocolV311:
		return NewV311(queue, opts), nil
	case config.ProtocolV5:
		return NewV5(queue, opts), nil
	default:
		return nil, fmt.Errorf("unsupported mqtt protocol %q", protocol)
	}
}

// brokerURL builds the server URL for host:port. A TLS configuration
// selects the mqtts scheme.
func brokerURL(host string, port int, tlsCfg *tls.Config) *url.URL {
	scheme := "tcp"
	if tlsCfg != nil {
		scheme = "mqtts"
	}
	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
}
