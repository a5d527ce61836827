package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/thingshadow/internal/config"
	"github.com/nugget/thingshadow/internal/events"
)

// V5 is the MQTT 5 transport. It uses autopaho for connection handling
// but cancels the connection manager on the first failure, so a lost
// or refused connection is never redialed behind the session's back.
type V5 struct {
	queue *events.Queue
	opts  Options

	mu     sync.Mutex
	gen    uint64
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
}

var _ Transport = (*V5)(nil)

// NewV5 creates an unconnected MQTT 5 transport that reports to queue.
func NewV5(queue *events.Queue, opts Options) *V5 {
	return &V5{queue: queue, opts: opts.withDefaults()}
}

// Connect implements [Transport].
func (t *V5) Connect(ctx context.Context, host string, port int, tlsCfg *tls.Config) error {
	// The connection manager outlives ctx, which only bounds the
	// handshake.
	cmCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	connErr := make(chan error, 1)
	logger := t.opts.Logger

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL(host, port, tlsCfg)},
		TlsCfg:                        tlsCfg,
		KeepAlive:                     uint16(t.opts.KeepAlive.Seconds()),
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                t.opts.ConnectTimeout,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, connack *paho.Connack) {
			t.queue.Push(events.Event{Kind: events.ConnectAck, Conn: gen, Code: connack.ReasonCode})
		},
		// Never redial after a drop; the session decides.
		OnConnectionDown: func() bool { return false },
		OnConnectError: func(err error) {
			select {
			case connErr <- err:
			default:
			}
		},
		Debug:      NewDiagnosticLogger(logger, config.LevelTrace, "autopaho"),
		Errors:     NewDiagnosticLogger(logger, slog.LevelError, "autopaho"),
		PahoDebug:  NewDiagnosticLogger(logger, config.LevelTrace, "paho"),
		PahoErrors: NewDiagnosticLogger(logger, slog.LevelError, "paho"),
		ClientConfig: paho.ClientConfig{
			ClientID: t.opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					t.queue.Push(events.Event{
						Kind:    events.Message,
						Conn:    gen,
						Topic:   pr.Packet.Topic,
						Payload: pr.Packet.Payload,
					})
					return true, nil
				},
			},
			OnClientError: func(err error) {
				t.lost(gen, err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				t.lost(gen, fmt.Errorf("server disconnect: reason code 0x%02x", d.ReasonCode))
			},
		},
	}

	cm, err := autopaho.NewConnection(cmCtx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Registered before the handshake so a drop right after CONNACK is
	// still reported by lost.
	t.mu.Lock()
	t.cm = cm
	t.cancel = cancel
	t.mu.Unlock()

	up := make(chan error, 1)
	go func() { up <- cm.AwaitConnection(ctx) }()

	select {
	case err := <-up:
		if err != nil {
			if !t.release(cm) {
				// Lost after CONNACK; both events are already queued.
				return nil
			}
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case err := <-connErr:
		t.release(cm)
		var refused *autopaho.ConnackError
		if errors.As(err, &refused) {
			t.queue.Push(events.Event{Kind: events.ConnectAck, Conn: gen, Code: refused.ReasonCode, Err: err})
			return nil
		}
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// release stops cm if it is still the current connection and reports
// whether it was.
func (t *V5) release(cm *autopaho.ConnectionManager) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cm != cm {
		return false
	}
	t.cancel()
	t.cm = nil
	t.cancel = nil
	return true
}

// lost tears down the connection manager of generation gen after an
// unexpected drop and reports it once.
func (t *V5) lost(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || t.cancel == nil {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	t.cm = nil
	t.cancel = nil
	t.mu.Unlock()

	cancel()
	t.queue.Push(events.Event{Kind: events.Disconnect, Conn: gen, Err: err})
}

func (t *V5) manager() (*autopaho.ConnectionManager, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cm == nil {
		return nil, 0, ErrNotConnected
	}
	return t.cm, t.gen, nil
}

// Subscribe implements [Transport].
func (t *V5) Subscribe(ctx context.Context, topic string, qos byte) error {
	cm, gen, err := t.manager()
	if err != nil {
		return err
	}

	go func() {
		ev := events.Event{Kind: events.SubscribeAck, Conn: gen, Topic: topic}
		suback, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
		})
		switch {
		case err != nil:
			ev.Err = err
			ev.Code = 0x80
		case suback != nil && len(suback.Reasons) > 0:
			ev.Code = suback.Reasons[0]
		}
		t.queue.Push(ev)
	}()
	return nil
}

// Unsubscribe implements [Transport].
func (t *V5) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	cm, _, err := t.manager()
	if err != nil {
		return err
	}
	_, err = cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: topics})
	return err
}

// Publish implements [Transport].
func (t *V5) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	cm, gen, err := t.manager()
	if err != nil {
		return err
	}

	go func() {
		_, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
			Retain:  retain,
		})
		t.queue.Push(events.Event{Kind: events.PublishAck, Conn: gen, Topic: topic, Err: err})
	}()
	return nil
}

// Disconnect implements [Transport].
func (t *V5) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	cm, cancel := t.cm, t.cancel
	t.cm = nil
	t.cancel = nil
	t.mu.Unlock()

	if cm == nil {
		return nil
	}
	defer cancel()
	return cm.Disconnect(ctx)
}
