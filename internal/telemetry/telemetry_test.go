package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/nugget/thingshadow/internal/sensor"
	"github.com/nugget/thingshadow/internal/session"
)

type fakeSensor struct {
	samples []sensor.Sample
	err     error
	reads   int
}

func (s *fakeSensor) ReadRetry(context.Context) (sensor.Sample, error) {
	s.reads++
	if s.err != nil {
		return sensor.Sample{}, s.err
	}
	sample := s.samples[0]
	if len(s.samples) > 1 {
		s.samples = s.samples[1:]
	}
	return sample, nil
}

type publishCall struct {
	topic   string
	payload string
	qos     byte
	retain  bool
}

type fakeConn struct {
	publishes []publishCall
}

func (c *fakeConn) Subscribe(context.Context, string, byte) error {
	return errors.New("unexpected subscribe")
}

func (c *fakeConn) Publish(_ context.Context, topic string, payload []byte, qos byte, retain bool) error {
	c.publishes = append(c.publishes, publishCall{topic, string(payload), qos, retain})
	return nil
}

func (c *fakeConn) State() session.State { return session.Connected }

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCelsiusToFahrenheit(t *testing.T) {
	tests := []struct {
		c, f float64
	}{
		{0, 32},
		{100, 212},
		{-40, -40},
		{21.5, 70.7},
	}
	for _, tt := range tests {
		if got := CelsiusToFahrenheit(tt.c); math.Abs(got-tt.f) > 1e-9 {
			t.Errorf("CelsiusToFahrenheit(%v) = %v, want %v", tt.c, got, tt.f)
		}
	}
}

func TestOnConnect_PublishesOnce(t *testing.T) {
	s := &fakeSensor{samples: []sensor.Sample{{Humidity: 45.25, Temperature: 0}}}
	conn := &fakeConn{}
	p := New("greenhouse", s, quiet())

	if err := p.OnConnect(t.Context(), conn); err != nil {
		t.Fatalf("OnConnect() error = %v", err)
	}

	if len(conn.publishes) != 1 {
		t.Fatalf("got %d publishes, want exactly 1", len(conn.publishes))
	}
	got := conn.publishes[0]
	want := publishCall{
		topic:   "$aws/things/greenhouse/shadow/update",
		payload: `{"state":{"reported":{"humidity":45.2,"temperature":32.0}}}`,
		qos:     0,
		retain:  false,
	}
	if got != want {
		t.Errorf("publish = %+v\nwant      %+v", got, want)
	}
}

func TestOnPublishAck_PublishesNextSample(t *testing.T) {
	s := &fakeSensor{samples: []sensor.Sample{
		{Humidity: 40, Temperature: 100},
		{Humidity: 41, Temperature: -40},
	}}
	conn := &fakeConn{}
	p := New("greenhouse", s, quiet())

	p.OnConnect(t.Context(), conn)
	p.OnPublishAck(t.Context(), conn, nil)

	if len(conn.publishes) != 2 {
		t.Fatalf("got %d publishes, want 2", len(conn.publishes))
	}
	if got := conn.publishes[0].payload; got != `{"state":{"reported":{"humidity":40.0,"temperature":212.0}}}` {
		t.Errorf("first payload = %s", got)
	}
	if got := conn.publishes[1].payload; got != `{"state":{"reported":{"humidity":41.0,"temperature":-40.0}}}` {
		t.Errorf("second payload = %s", got)
	}
}

func TestSensorFailureSkipsPublish(t *testing.T) {
	s := &fakeSensor{err: sensor.ErrNoReading}
	conn := &fakeConn{}
	p := New("greenhouse", s, quiet())

	p.OnConnect(t.Context(), conn)
	p.OnPublishAck(t.Context(), conn, nil)

	if len(conn.publishes) != 0 {
		t.Errorf("got %d publishes after failed reads, want 0", len(conn.publishes))
	}
	if s.reads != 2 {
		t.Errorf("sensor read %d times, want once per acknowledgment", s.reads)
	}
}

func TestNoOverlappingPublish(t *testing.T) {
	s := &fakeSensor{samples: []sensor.Sample{{Humidity: 40, Temperature: 20}}}
	conn := &fakeConn{}
	p := New("greenhouse", s, quiet())

	p.OnConnect(t.Context(), conn)
	// A second trigger while the first publish is unacknowledged.
	p.publish(t.Context(), conn)

	if len(conn.publishes) != 1 {
		t.Errorf("got %d publishes, want 1 while in flight", len(conn.publishes))
	}
	if s.reads != 1 {
		t.Errorf("sensor read %d times, want 1", s.reads)
	}
}

func TestReconnectResetsInFlight(t *testing.T) {
	s := &fakeSensor{samples: []sensor.Sample{{Humidity: 40, Temperature: 20}}}
	conn := &fakeConn{}
	p := New("greenhouse", s, quiet())

	p.OnConnect(t.Context(), conn)
	// Connection lost before the ack; the new connection starts over.
	p.OnConnect(t.Context(), conn)

	if len(conn.publishes) != 2 {
		t.Errorf("got %d publishes, want 2", len(conn.publishes))
	}
}

func TestPublishAckErrorStillContinues(t *testing.T) {
	s := &fakeSensor{samples: []sensor.Sample{{Humidity: 40, Temperature: 20}}}
	conn := &fakeConn{}
	p := New("greenhouse", s, quiet())

	p.OnConnect(t.Context(), conn)
	p.OnPublishAck(t.Context(), conn, errors.New("timeout"))

	if len(conn.publishes) != 2 {
		t.Errorf("got %d publishes, want 2", len(conn.publishes))
	}
}
