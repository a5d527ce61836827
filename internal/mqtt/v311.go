package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	pahov3 "github.com/eclipse/paho.mqtt.golang"

	"github.com/nugget/thingshadow/internal/events"
)

// MQTT 3.1.1 CONNACK return codes 1 through 5 are broker refusals. The
// library reports dial and protocol failures with codes above that.
const (
	connackRefusedMin = 0x01
	connackRefusedMax = 0x05
)

// V311 is the MQTT 3.1.1 transport.
type V311 struct {
	queue *events.Queue
	opts  Options

	mu     sync.Mutex
	gen    uint64
	client pahov3.Client
}

var _ Transport = (*V311)(nil)

// NewV311 creates an unconnected MQTT 3.1.1 transport that reports to
// queue.
func NewV311(queue *events.Queue, opts Options) *V311 {
	opts = opts.withDefaults()
	installV3Loggers(opts.Logger)
	return &V311{queue: queue, opts: opts}
}

// Connect implements [Transport].
func (t *V311) Connect(ctx context.Context, host string, port int, tlsCfg *tls.Config) error {
	server := brokerURL(host, port, tlsCfg)

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	co := pahov3.NewClientOptions().
		AddBroker(server.String()).
		SetClientID(t.opts.ClientID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(t.opts.KeepAlive).
		SetConnectTimeout(t.opts.ConnectTimeout).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ pahov3.Client, err error) {
			t.queue.Push(events.Event{Kind: events.Disconnect, Conn: gen, Err: err})
		})
	if tlsCfg != nil {
		co.SetTLSConfig(tlsCfg)
	}

	client := pahov3.NewClient(co)
	tok := client.Connect()

	select {
	case <-tok.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}

	var code byte
	if ct, ok := tok.(*pahov3.ConnectToken); ok {
		code = ct.ReturnCode()
	}

	if err := tok.Error(); err != nil {
		if code < connackRefusedMin || code > connackRefusedMax {
			return fmt.Errorf("connect %s: %w", server.Host, err)
		}
		// Refused by the broker: report the code, keep no client.
		t.queue.Push(events.Event{Kind: events.ConnectAck, Conn: gen, Code: code, Err: err})
		return nil
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.queue.Push(events.Event{Kind: events.ConnectAck, Conn: gen, Code: code})
	return nil
}

func (t *V311) connected() (pahov3.Client, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil, 0, ErrNotConnected
	}
	return t.client, t.gen, nil
}

// Subscribe implements [Transport].
func (t *V311) Subscribe(_ context.Context, topic string, qos byte) error {
	client, gen, err := t.connected()
	if err != nil {
		return err
	}

	tok := client.Subscribe(topic, qos, func(_ pahov3.Client, m pahov3.Message) {
		t.queue.Push(events.Event{
			Kind:    events.Message,
			Conn:    gen,
			Topic:   m.Topic(),
			Payload: m.Payload(),
		})
	})

	go func() {
		<-tok.Done()
		ev := events.Event{Kind: events.SubscribeAck, Conn: gen, Topic: topic, Err: tok.Error()}
		if st, ok := tok.(*pahov3.SubscribeToken); ok {
			ev.Code = st.Result()[topic]
		}
		t.queue.Push(ev)
	}()
	return nil
}

// Unsubscribe implements [Transport].
func (t *V311) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	client, _, err := t.connected()
	if err != nil {
		return err
	}
	return waitToken(ctx, client.Unsubscribe(topics...))
}

// Publish implements [Transport].
func (t *V311) Publish(_ context.Context, topic string, payload []byte, qos byte, retain bool) error {
	client, gen, err := t.connected()
	if err != nil {
		return err
	}

	tok := client.Publish(topic, qos, retain, payload)
	go func() {
		<-tok.Done()
		t.queue.Push(events.Event{Kind: events.PublishAck, Conn: gen, Topic: topic, Err: tok.Error()})
	}()
	return nil
}

// Disconnect implements [Transport].
func (t *V311) Disconnect(_ context.Context) error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(uint(disconnectQuiesce.Milliseconds()))
	}
	return nil
}

func waitToken(ctx context.Context, tok pahov3.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
