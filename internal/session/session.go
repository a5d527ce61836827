// Package session is the connection manager shared by both agents. A
// [Session] owns one broker connection: it connects (failing fast, or
// retrying under the opt-in reconnect policy), then runs a single
// dispatch loop that hands each transport event to the [Agent] through
// a typed handler table, and finally tears everything down in a fixed
// order.
//
// Connection state is written only by the dispatch goroutine. Agent
// hooks run on that goroutine too, one at a time, so agents need no
// locking of their own.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/thingshadow/internal/connwatch"
	"github.com/nugget/thingshadow/internal/events"
	"github.com/nugget/thingshadow/internal/mqtt"
)

// ErrNotConnected is returned by [Session.Subscribe] and
// [Session.Publish] before a successful connect acknowledgment.
var ErrNotConnected = errors.New("session not connected")

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

const defaultShutdownTimeout = 5 * time.Second

// Conn is the view of the session an agent gets from its hooks.
type Conn interface {
	Subscribe(ctx context.Context, topic string, qos byte) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	State() State
}

// Agent reacts to session events. All hooks run on the dispatch
// goroutine.
type Agent interface {
	// OnConnect runs after every successful connect acknowledgment. An
	// error ends the session.
	OnConnect(ctx context.Context, conn Conn) error
	// OnMessage receives each inbound publish.
	OnMessage(ctx context.Context, conn Conn, topic string, payload []byte)
	// OnPublishAck runs when an outbound publish completes. err is set
	// if the publish failed.
	OnPublishAck(ctx context.Context, conn Conn, err error)
	// Teardown releases agent resources. It runs before the session
	// unsubscribes and disconnects.
	Teardown(ctx context.Context)
}

// Config tells a session where to connect and how to behave when the
// connection fails.
type Config struct {
	Host string
	Port int
	TLS  *tls.Config

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	// Reconnect enables the retry policy. Without it the first
	// connection failure, refusal or loss ends the session.
	Reconnect bool
	Backoff   connwatch.BackoffConfig

	// ShutdownTimeout bounds teardown (default 5s).
	ShutdownTimeout time.Duration
}

// Session is the connection manager. Create one with [New] and call
// [Session.Run] once.
type Session struct {
	cfg       Config
	transport mqtt.Transport
	queue     *events.Queue
	agent     Agent
	logger    *slog.Logger

	state    atomic.Int32
	handlers map[events.Kind]func(context.Context, events.Event) error

	// Touched only by the dispatch goroutine.
	subscriptions []string
	failures      int
	// conn is the generation of the accepted connection, zero while
	// there is none.
	conn uint64

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

var _ Conn = (*Session)(nil)

// New creates a session. The transport must push its events onto queue.
func New(cfg Config, transport mqtt.Transport, queue *events.Queue, agent Agent, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Session{
		cfg:       cfg,
		transport: transport,
		queue:     queue,
		agent:     agent,
		logger:    logger,
		shutdown:  make(chan struct{}),
	}
	s.handlers = map[events.Kind]func(context.Context, events.Event) error{
		events.ConnectAck:   s.onConnectAck,
		events.ConnectError: s.onConnectError,
		events.Disconnect:   s.onDisconnect,
		events.Message:      s.onMessage,
		events.PublishAck:   s.onPublishAck,
		events.SubscribeAck: s.onSubscribeAck,
	}
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("session state changed", "from", prev, "to", st)
	}
}

// Shutdown asks a running session to tear down. Run then returns nil.
// Safe to call more than once and from any goroutine.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// Run connects, dispatches events until shutdown or a fatal connection
// error, and tears down. It returns nil when stopped by ctx or
// [Session.Shutdown], and a *[ConnectionError] (or the error from
// [Agent.OnConnect]) otherwise. Teardown runs in every case.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.connect(ctx)
	if err == nil {
		err = s.loop(ctx)
	}

	stopped := ctx.Err() != nil
	s.teardown()

	if stopped {
		s.logger.Info("session shut down")
		return nil
	}
	return err
}

func (s *Session) schedule() connwatch.BackoffConfig {
	if !s.cfg.Reconnect {
		return connwatch.FailFast(s.cfg.ConnectTimeout)
	}
	b := s.cfg.Backoff
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = s.cfg.ConnectTimeout
	}
	return b
}

// connect makes the connection attempt(s). The connect acknowledgment
// itself arrives through the queue.
func (s *Session) connect(ctx context.Context) error {
	s.setState(Connecting)
	s.logger.Info("connecting to broker", "host", s.cfg.Host, "port", s.cfg.Port)

	target := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	err := connwatch.Retry(ctx, target, s.schedule(), func(ctx context.Context) error {
		return s.transport.Connect(ctx, s.cfg.Host, s.cfg.Port, s.cfg.TLS)
	}, s.logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(Error)
		return &ConnectionError{Op: "connect", Err: err}
	}
	return nil
}

func (s *Session) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.queue.C():
			if err := s.dispatch(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) dispatch(ctx context.Context, ev events.Event) error {
	if s.stale(ev) {
		s.logger.Debug("stale transport event dropped",
			"kind", ev.Kind,
			"conn", ev.Conn,
			"current", s.conn,
		)
		return nil
	}
	h, ok := s.handlers[ev.Kind]
	if !ok {
		s.logger.Warn("unhandled transport event", "kind", ev.Kind)
		return nil
	}
	return h(ctx, ev)
}

// stale reports whether ev belongs to a connection other than the
// accepted one. Connect outcomes always pass; they start a connection.
func (s *Session) stale(ev events.Event) bool {
	switch ev.Kind {
	case events.ConnectAck, events.ConnectError:
		return false
	}
	return ev.Conn != 0 && ev.Conn != s.conn
}

// recover decides what a lost or refused connection means. Without the
// reconnect policy, or once the policy's budget of consecutive failures
// is spent, cause is returned and the session ends.
func (s *Session) recover(ctx context.Context, cause *ConnectionError) error {
	s.subscriptions = nil
	s.conn = 0
	if !s.cfg.Reconnect {
		return cause
	}

	backoff := s.schedule()
	s.failures++
	if backoff.MaxRetries > 0 && s.failures >= backoff.MaxRetries {
		s.logger.Error("giving up on broker", "failures", s.failures, "error", cause)
		return cause
	}

	delay := backoff.Delay(s.failures)
	s.logger.Warn("reconnecting to broker",
		"failures", s.failures,
		"delay", delay.String(),
		"error", cause,
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}
	return s.connect(ctx)
}

func (s *Session) onConnectAck(ctx context.Context, ev events.Event) error {
	if ev.Code != 0 {
		s.setState(Error)
		s.logger.Error("broker refused connection",
			"code", ev.Code,
			"reason", ConnackReason(ev.Code),
		)
		return s.recover(ctx, &ConnectionError{Op: "connack", Code: ev.Code, Err: ev.Err})
	}

	s.failures = 0
	s.conn = ev.Conn
	s.setState(Connected)
	s.logger.Info("connected to broker", "host", s.cfg.Host, "port", s.cfg.Port)

	if err := s.agent.OnConnect(ctx, s); err != nil {
		return fmt.Errorf("on connect: %w", err)
	}
	return nil
}

func (s *Session) onConnectError(ctx context.Context, ev events.Event) error {
	s.setState(Error)
	return s.recover(ctx, &ConnectionError{Op: "connect", Err: ev.Err})
}

func (s *Session) onDisconnect(ctx context.Context, ev events.Event) error {
	s.setState(Disconnected)
	s.logger.Warn("disconnected from broker", "error", ev.Err)
	return s.recover(ctx, &ConnectionError{Op: "connection lost", Err: ev.Err})
}

func (s *Session) onMessage(ctx context.Context, ev events.Event) error {
	s.logger.Debug("message received", "topic", ev.Topic, "payload_size", len(ev.Payload))
	s.agent.OnMessage(ctx, s, ev.Topic, ev.Payload)
	return nil
}

func (s *Session) onPublishAck(ctx context.Context, ev events.Event) error {
	if ev.Err != nil {
		s.logger.Warn("publish failed", "topic", ev.Topic, "error", ev.Err)
	} else {
		s.logger.Debug("publish acknowledged", "topic", ev.Topic)
	}
	s.agent.OnPublishAck(ctx, s, ev.Err)
	return nil
}

func (s *Session) onSubscribeAck(_ context.Context, ev events.Event) error {
	if ev.Err != nil || ev.Code >= subackFailure {
		s.logger.Warn("subscription refused", "topic", ev.Topic, "code", ev.Code, "error", ev.Err)
		return nil
	}
	if s.State() == Connected {
		s.setState(Subscribed)
	}
	s.logger.Info("subscribed", "topic", ev.Topic, "granted_qos", ev.Code)
	return nil
}

func (s *Session) ready() bool {
	st := s.State()
	return st == Connected || st == Subscribed
}

// Subscribe requests topic at qos. The subscription is remembered and
// dropped again at teardown.
func (s *Session) Subscribe(ctx context.Context, topic string, qos byte) error {
	if !s.ready() {
		return ErrNotConnected
	}
	if err := s.transport.Subscribe(ctx, topic, qos); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if !slices.Contains(s.subscriptions, topic) {
		s.subscriptions = append(s.subscriptions, topic)
	}
	s.logger.Debug("subscribe requested", "topic", topic, "qos", qos)
	return nil
}

// Publish sends payload to topic.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if !s.ready() {
		return ErrNotConnected
	}
	if err := s.transport.Publish(ctx, topic, payload, qos, retain); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// teardown is the single shutdown path: agent first (so the display is
// cleared while the process is still alive), then unsubscribe, then
// disconnect, then stop accepting events.
func (s *Session) teardown() {
	s.setState(ShuttingDown)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.agent.Teardown(ctx)

	if len(s.subscriptions) > 0 {
		if err := s.transport.Unsubscribe(ctx, s.subscriptions...); err != nil {
			s.logger.Warn("unsubscribe failed", "topics", s.subscriptions, "error", err)
		}
		s.subscriptions = nil
	}

	if err := s.transport.Disconnect(ctx); err != nil {
		s.logger.Warn("disconnect failed", "error", err)
	}

	s.queue.Close()
	s.setState(Disconnected)
}
