// Package voteboard is the display agent's reaction to shadow deltas.
// Every delta bumps a counter shown on the LED board; deltas that carry
// a vote flash the board red, everything else flashes it green.
package voteboard

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/nugget/thingshadow/internal/display"
	"github.com/nugget/thingshadow/internal/session"
	"github.com/nugget/thingshadow/internal/shadow"
)

// VoteField is the desired-state flag that selects the vote color.
const VoteField = "voteFromTwilio"

// DeltaQoS is the subscription level for the delta topic (at least once).
const DeltaQoS = 1

// DefaultFlash is how long the fill color is held before settling.
const DefaultFlash = 35 * time.Millisecond

// Colors.
var (
	VoteColor   = display.RGB(153, 0, 0)
	NoVoteColor = display.RGB(0, 153, 0)
	TextColor   = display.RGB(255, 255, 255)
	MarkerColor = display.RGB(255, 255, 153)
)

// Layout on the 32x32 panel.
const (
	counterBaseline = 21
	markerBaseline  = 6
	markerX0        = 1
	markerStep      = 3
	markerText      = "|"
)

// Inset returns the x position of a counter with the given number of
// decimal digits.
func Inset(digits int) int {
	switch digits {
	case 1:
		return 12
	case 2:
		return 7
	case 4:
		return -9
	default:
		return 1
	}
}

// Board renders the delta counter. It implements [session.Agent].
// Methods are called from the session's dispatch goroutine only.
type Board struct {
	thingName string
	canvas    display.Canvas
	large     *display.Font
	small     *display.Font
	flash     time.Duration
	logger    *slog.Logger

	// sleep holds the flash frame; replaceable in tests.
	sleep func(ctx context.Context, d time.Duration)

	counter   uint64
	saturated bool
}

var _ session.Agent = (*Board)(nil)

// New creates a board for thingName drawing on canvas. large renders
// the counter, small the thousands markers.
func New(thingName string, canvas display.Canvas, large, small *display.Font, flash time.Duration, logger *slog.Logger) *Board {
	if flash <= 0 {
		flash = DefaultFlash
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		thingName: thingName,
		canvas:    canvas,
		large:     large,
		small:     small,
		flash:     flash,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Counter returns the number of delta messages received so far.
func (b *Board) Counter() uint64 {
	return b.counter
}

// OnConnect subscribes to the thing's delta topic.
func (b *Board) OnConnect(ctx context.Context, conn session.Conn) error {
	return conn.Subscribe(ctx, shadow.DeltaTopic(b.thingName), DeltaQoS)
}

// OnMessage implements [session.Agent].
func (b *Board) OnMessage(ctx context.Context, _ session.Conn, topic string, payload []byte) {
	b.HandleDelta(ctx, topic, payload)
}

// OnPublishAck implements [session.Agent]. The board never publishes.
func (b *Board) OnPublishAck(context.Context, session.Conn, error) {}

// Teardown blanks the board.
func (b *Board) Teardown(context.Context) {
	b.canvas.Clear()
	if err := display.Flush(b.canvas); err != nil {
		b.logger.Warn("display flush failed", "error", err)
	}
}

// HandleDelta counts one delta message and renders it. The counter
// moves before the payload is looked at, so malformed messages are
// counted too. It reports whether anything was drawn.
func (b *Board) HandleDelta(ctx context.Context, topic string, payload []byte) bool {
	b.increment()
	b.logger.Info("message received",
		"count", b.counter,
		"topic", topic,
		"payload", string(payload),
	)

	desired, err := shadow.ParseDelta(payload)
	if err != nil {
		b.logger.Warn("delta ignored", "count", b.counter, "error", err)
		return false
	}

	c := NoVoteColor
	if desired.Bool(VoteField) {
		c = VoteColor
	}
	b.render(ctx, c)
	return true
}

func (b *Board) increment() {
	if b.counter == math.MaxUint64 {
		if !b.saturated {
			b.saturated = true
			b.logger.Warn("message counter saturated", "count", b.counter)
		}
		return
	}
	b.counter++
}

// render flashes fill behind the counter, then settles on the counter
// alone.
func (b *Board) render(ctx context.Context, fill display.Color) {
	b.canvas.Fill(fill)
	b.drawCounter()
	b.flush()

	b.sleep(ctx, b.flash)

	b.canvas.Clear()
	b.drawCounter()
	b.flush()
}

func (b *Board) drawCounter() {
	text := strconv.FormatUint(b.counter, 10)
	b.canvas.DrawText(b.large, Inset(len(text)), counterBaseline, TextColor, text)

	width, _ := b.canvas.Size()
	thousands := b.counter / 1000
	for k := uint64(1); k <= thousands; k++ {
		x := markerX0 + markerStep*int(k-1)
		if x >= width {
			break
		}
		b.canvas.DrawText(b.small, x, markerBaseline, MarkerColor, markerText)
	}
}

func (b *Board) flush() {
	if err := display.Flush(b.canvas); err != nil {
		b.logger.Warn("display flush failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
