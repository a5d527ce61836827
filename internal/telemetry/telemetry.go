// Package telemetry is the sensor agent's reporting loop. There is no
// timer: a reading is published when the broker accepts the
// connection, and the next one when the broker acknowledges the
// previous publish. The loop therefore runs as fast as the sensor can
// be read and stops if a read fails, until the next connect.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/nugget/thingshadow/internal/sensor"
	"github.com/nugget/thingshadow/internal/session"
	"github.com/nugget/thingshadow/internal/shadow"
)

// ReportQoS is the delivery level for reported-state updates (at most once).
const ReportQoS = 0

// CelsiusToFahrenheit converts a temperature.
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// Publisher reports sensor samples to the thing's shadow. It
// implements [session.Agent]; all methods run on the dispatch goroutine.
type Publisher struct {
	thingName string
	sensor    sensor.Sensor
	logger    *slog.Logger

	inFlight bool
}

var _ session.Agent = (*Publisher)(nil)

// New creates a publisher for thingName reading from s.
func New(thingName string, s sensor.Sensor, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{thingName: thingName, sensor: s, logger: logger}
}

// OnConnect publishes the first sample of a connection. Anything left
// in flight on a previous connection is forgotten.
func (p *Publisher) OnConnect(ctx context.Context, conn session.Conn) error {
	p.inFlight = false
	p.publish(ctx, conn)
	return nil
}

// OnPublishAck publishes the next sample.
func (p *Publisher) OnPublishAck(ctx context.Context, conn session.Conn, err error) {
	p.inFlight = false
	if err != nil {
		p.logger.Warn("reported state not delivered", "error", err)
	}
	p.publish(ctx, conn)
}

// OnMessage implements [session.Agent]. The sensor agent subscribes to
// nothing, so anything arriving here is logged and ignored.
func (p *Publisher) OnMessage(_ context.Context, _ session.Conn, topic string, _ []byte) {
	p.logger.Debug("unexpected message ignored", "topic", topic)
}

// Teardown implements [session.Agent]. The sensor holds no state that
// needs releasing.
func (p *Publisher) Teardown(context.Context) {}

func (p *Publisher) publish(ctx context.Context, conn session.Conn) {
	if p.inFlight {
		p.logger.Debug("publish already in flight, sample skipped")
		return
	}

	sample, err := p.sensor.ReadRetry(ctx)
	if err != nil {
		p.logger.Warn("sensor read failed, nothing published", "error", err)
		return
	}

	payload, err := shadow.Reported(shadow.Climate{
		Humidity:    shadow.Decimal1(sample.Humidity),
		Temperature: shadow.Decimal1(CelsiusToFahrenheit(sample.Temperature)),
	})
	if err != nil {
		p.logger.Error("encode reported state", "error", err)
		return
	}

	topic := shadow.UpdateTopic(p.thingName)
	if err := conn.Publish(ctx, topic, payload, ReportQoS, false); err != nil {
		p.logger.Warn("publish failed", "topic", topic, "error", err)
		return
	}
	p.inFlight = true
	p.logger.Info("reported state published", "topic", topic, "payload", string(payload))
}
