package voteboard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/nugget/thingshadow/internal/display"
	"github.com/nugget/thingshadow/internal/session"
)

// fakeCanvas records draw calls as strings.
type fakeCanvas struct {
	width, height int
	ops           []string
	fonts         map[*display.Font]string
	flushes       int
}

func (c *fakeCanvas) Size() (int, int) { return c.width, c.height }

func (c *fakeCanvas) Fill(col display.Color) {
	c.ops = append(c.ops, fmt.Sprintf("fill %d,%d,%d", col.R, col.G, col.B))
}

func (c *fakeCanvas) Clear() { c.ops = append(c.ops, "clear") }

func (c *fakeCanvas) DrawText(f *display.Font, x, y int, col display.Color, text string) int {
	c.ops = append(c.ops, fmt.Sprintf("text %s %d,%d %s %s", c.fonts[f], x, y, col.Hex(), text))
	return 0
}

func (c *fakeCanvas) Flush() error {
	c.flushes++
	return nil
}

type fixture struct {
	canvas *fakeCanvas
	board  *Board
	sleeps []time.Duration
	logs   *bytes.Buffer
}

func newFixture() *fixture {
	large, small := &display.Font{}, &display.Font{}
	canvas := &fakeCanvas{
		width:  32,
		height: 32,
		fonts:  map[*display.Font]string{large: "large", small: "small"},
	}
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))

	f := &fixture{canvas: canvas, logs: logs}
	f.board = New("voting-board", canvas, large, small, 0, logger)
	f.board.sleep = func(_ context.Context, d time.Duration) {
		f.sleeps = append(f.sleeps, d)
	}
	return f
}

const voteDelta = `{"version":12,"timestamp":1508352000,"state":{"desired":{"voteFromTwilio":true}},"metadata":{}}`

func TestHandleDelta_Vote(t *testing.T) {
	f := newFixture()

	if !f.board.HandleDelta(t.Context(), "$aws/things/voting-board/shadow/update/delta", []byte(voteDelta)) {
		t.Fatal("HandleDelta() = false, want a render")
	}

	want := []string{
		"fill 153,0,0",
		"text large 12,21 #ffffff 1",
		"clear",
		"text large 12,21 #ffffff 1",
	}
	if !slices.Equal(f.canvas.ops, want) {
		t.Errorf("ops = %q\nwant  %q", f.canvas.ops, want)
	}
	if f.board.Counter() != 1 {
		t.Errorf("Counter() = %d, want 1", f.board.Counter())
	}
	if !slices.Equal(f.sleeps, []time.Duration{35 * time.Millisecond}) {
		t.Errorf("flash holds = %v, want [35ms]", f.sleeps)
	}
	if f.canvas.flushes != 2 {
		t.Errorf("flushes = %d, want 2 (flash frame and settled frame)", f.canvas.flushes)
	}
}

func TestHandleDelta_NoVoteIsGreen(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"false", `{"state":{"desired":{"voteFromTwilio":false}}}`},
		{"absent", `{"state":{"desired":{"color":"blue"}}}`},
		{"null", `{"state":{"desired":{"voteFromTwilio":null}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.board.HandleDelta(t.Context(), "t", []byte(tt.payload))
			if len(f.canvas.ops) == 0 || f.canvas.ops[0] != "fill 0,153,0" {
				t.Errorf("ops = %q, want a green fill first", f.canvas.ops)
			}
		})
	}
}

func TestHandleDelta_MalformedCountsButDoesNotRender(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"missing state", `{"version":3}`},
		{"missing desired", `{"state":{"reported":{"voteFromTwilio":true}}}`},
		{"not json", `b'{"state":`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if f.board.HandleDelta(t.Context(), "t", []byte(tt.payload)) {
				t.Error("HandleDelta() = true, want no render")
			}
			if f.board.Counter() != 1 {
				t.Errorf("Counter() = %d, want 1", f.board.Counter())
			}
			if len(f.canvas.ops) != 0 {
				t.Errorf("ops = %q, want none", f.canvas.ops)
			}
			if !strings.Contains(f.logs.String(), "level=WARN") {
				t.Errorf("expected a warning, logs: %s", f.logs.String())
			}
		})
	}
}

func TestHandleDelta_CounterPrecedesParse(t *testing.T) {
	f := newFixture()
	f.board.HandleDelta(t.Context(), "t", []byte(`{}`))
	f.board.HandleDelta(t.Context(), "t", []byte(voteDelta))

	// The second message renders "2": the malformed first one still counted.
	if got := f.canvas.ops[1]; got != "text large 12,21 #ffffff 2" {
		t.Errorf("first text op = %q, want counter 2", got)
	}
}

func TestInset(t *testing.T) {
	tests := []struct {
		n    uint64
		want int
	}{
		{7, 12},
		{42, 7},
		{123, 1},
		{1234, -9},
		{12345, 1},
	}
	for _, tt := range tests {
		if got := Inset(len(fmt.Sprint(tt.n))); got != tt.want {
			t.Errorf("Inset for %d = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func textOps(ops []string, font string) []string {
	var out []string
	for _, op := range ops {
		if strings.HasPrefix(op, "text "+font+" ") {
			out = append(out, op)
		}
	}
	return out
}

func TestHandleDelta_ThousandMarkers(t *testing.T) {
	f := newFixture()
	f.board.counter = 2999

	f.board.HandleDelta(t.Context(), "t", []byte(voteDelta))

	// Drawn once in the flash frame and once in the settled frame.
	markers := textOps(f.canvas.ops, "small")
	want := []string{
		"text small 1,6 #ffff99 |",
		"text small 4,6 #ffff99 |",
		"text small 7,6 #ffff99 |",
	}
	if !slices.Equal(markers, append(slices.Clone(want), want...)) {
		t.Errorf("markers = %q", markers)
	}
	if got := textOps(f.canvas.ops, "large")[0]; got != "text large -9,21 #ffffff 3000" {
		t.Errorf("counter op = %q", got)
	}
}

func TestHandleDelta_NoMarkersBelowThousand(t *testing.T) {
	f := newFixture()
	f.board.counter = 998

	f.board.HandleDelta(t.Context(), "t", []byte(voteDelta))

	if markers := textOps(f.canvas.ops, "small"); len(markers) != 0 {
		t.Errorf("markers = %q, want none at 999", markers)
	}
}

func TestHandleDelta_MarkersStopAtEdge(t *testing.T) {
	f := newFixture()
	f.board.counter = 19999

	f.board.HandleDelta(t.Context(), "t", []byte(voteDelta))

	// Twenty thousands, but only x = 1, 4, ..., 31 fit on 32 columns.
	markers := textOps(f.canvas.ops, "small")
	if len(markers) != 2*11 {
		t.Fatalf("got %d marker ops, want 22", len(markers))
	}
	if last := markers[10]; last != "text small 31,6 #ffff99 |" {
		t.Errorf("last marker = %q, want x=31", last)
	}
}

func TestCounterSaturates(t *testing.T) {
	f := newFixture()
	f.board.counter = math.MaxUint64

	f.board.HandleDelta(t.Context(), "t", []byte(`{}`))
	f.board.HandleDelta(t.Context(), "t", []byte(`{}`))

	if f.board.Counter() != math.MaxUint64 {
		t.Errorf("Counter() = %d, want saturation at MaxUint64", f.board.Counter())
	}
	if n := strings.Count(f.logs.String(), "message counter saturated"); n != 1 {
		t.Errorf("saturation warned %d times, want once", n)
	}
}

func TestTeardownClears(t *testing.T) {
	f := newFixture()
	f.board.HandleDelta(t.Context(), "t", []byte(voteDelta))
	f.canvas.ops = nil

	f.board.Teardown(t.Context())

	if !slices.Equal(f.canvas.ops, []string{"clear"}) {
		t.Errorf("ops = %q, want [clear]", f.canvas.ops)
	}
}

type fakeConn struct {
	topic string
	qos   byte
}

func (c *fakeConn) Subscribe(_ context.Context, topic string, qos byte) error {
	c.topic, c.qos = topic, qos
	return nil
}

func (c *fakeConn) Publish(context.Context, string, []byte, byte, bool) error {
	return fmt.Errorf("unexpected publish")
}

func (c *fakeConn) State() session.State { return session.Connected }

func TestOnConnectSubscribesToDelta(t *testing.T) {
	f := newFixture()
	conn := &fakeConn{}

	if err := f.board.OnConnect(t.Context(), conn); err != nil {
		t.Fatalf("OnConnect() error = %v", err)
	}
	if conn.topic != "$aws/things/voting-board/shadow/update/delta" || conn.qos != 1 {
		t.Errorf("subscribed to %q at QoS %d", conn.topic, conn.qos)
	}
}

func TestRenderWithFramebuffer(t *testing.T) {
	large, err := display.ParseFont(strings.NewReader(digitFont))
	if err != nil {
		t.Fatal(err)
	}
	fb := display.NewFramebuffer(32, 32, nil)
	b := New("voting-board", fb, large, large, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	b.HandleDelta(t.Context(), "t", []byte(voteDelta))

	// Settled frame: background cleared, counter pixel lit at the inset.
	if got := fb.At(0, 0); got != display.Black {
		t.Errorf("background = %v, want black after settling", got)
	}
	if got := fb.At(12, 20); got != TextColor {
		t.Errorf("counter pixel = %v, want white", got)
	}
}

// digitFont is a one-glyph BDF: "1" as a single lit pixel on the baseline row.
const digitFont = `STARTFONT 2.1
FONT_ASCENT 1
FONT_DESCENT 0
CHARS 1
STARTCHAR one
ENCODING 49
DWIDTH 2 0
BBX 1 1 0 0
BITMAP
80
ENDCHAR
ENDFONT
`
