package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	pahologv5 "github.com/eclipse/paho.golang/paho/log"
	pahov3 "github.com/eclipse/paho.mqtt.golang"

	"github.com/nugget/thingshadow/internal/config"
)

// DiagnosticLogger forwards an MQTT library's Println/Printf output to
// slog at a fixed level. It satisfies the logger interfaces of both
// Paho libraries.
type DiagnosticLogger struct {
	logger *slog.Logger
	level  slog.Level
	source string
}

var (
	_ pahov3.Logger    = DiagnosticLogger{}
	_ pahologv5.Logger = DiagnosticLogger{}
)

// NewDiagnosticLogger returns a bridge that logs at level, tagging each
// record with source (e.g. "paho" or "autopaho").
func NewDiagnosticLogger(logger *slog.Logger, level slog.Level, source string) DiagnosticLogger {
	return DiagnosticLogger{logger: logger, level: level, source: source}
}

// Println implements the Paho logger interface.
func (d DiagnosticLogger) Println(v ...any) {
	d.log(fmt.Sprintln(v...))
}

// Printf implements the Paho logger interface.
func (d DiagnosticLogger) Printf(format string, v ...any) {
	d.log(fmt.Sprintf(format, v...))
}

func (d DiagnosticLogger) log(msg string) {
	if d.logger == nil {
		return
	}
	ctx := context.Background()
	if !d.logger.Enabled(ctx, d.level) {
		return
	}
	d.logger.Log(ctx, d.level, "mqtt diagnostic",
		"source", d.source,
		"detail", strings.TrimSpace(msg),
	)
}

var v3LoggersOnce sync.Once

// installV3Loggers points Paho v1's package-level loggers at logger.
// They are process globals, so only the first transport's logger wins.
func installV3Loggers(logger *slog.Logger) {
	v3LoggersOnce.Do(func() {
		pahov3.ERROR = NewDiagnosticLogger(logger, slog.LevelError, "paho")
		pahov3.CRITICAL = NewDiagnosticLogger(logger, slog.LevelError, "paho")
		pahov3.WARN = NewDiagnosticLogger(logger, slog.LevelWarn, "paho")
		pahov3.DEBUG = NewDiagnosticLogger(logger, config.LevelTrace, "paho")
	})
}
