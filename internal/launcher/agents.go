package launcher

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/nugget/thingshadow/fonts"
	"github.com/nugget/thingshadow/internal/config"
	"github.com/nugget/thingshadow/internal/display"
	"github.com/nugget/thingshadow/internal/sensor"
	"github.com/nugget/thingshadow/internal/session"
	"github.com/nugget/thingshadow/internal/telemetry"
	"github.com/nugget/thingshadow/internal/voteboard"
)

// Display is the LED board agent. It subscribes to the thing's shadow
// delta topic and redraws the board on every delta.
var Display = Agent{
	Name:    "shadow-display",
	Summary: "count shadow deltas on an LED board",
	LogName: "voting",
	OwnsStdout: func(cfg *config.Config) bool {
		return cfg.Display.Output == config.OutputTerminal
	},
	Build: buildDisplay,
}

// Sensor is the climate reporting agent. It publishes DHT22 readings
// as reported shadow state.
var Sensor = Agent{
	Name:     "shadow-sensor",
	Summary:  "report DHT22 temperature and humidity to a thing shadow",
	LogName:  "temperature",
	NeedsPin: true,
	Build:    buildSensor,
}

func buildDisplay(cfg *config.Config, stdout io.Writer, logger *slog.Logger) (session.Agent, func(), error) {
	dc := cfg.Display
	large, err := loadFont(dc.FontLarge, fonts.Large)
	if err != nil {
		return nil, nil, fontError("font_large", err)
	}
	small, err := loadFont(dc.FontSmall, fonts.Small)
	if err != nil {
		return nil, nil, fontError("font_small", err)
	}

	var (
		presenter display.Presenter
		cleanup   func()
	)
	if dc.Output == config.OutputTerminal {
		term := display.NewTerminal(stdout)
		term.Start()
		presenter = term
		cleanup = term.Reset
	}

	fb := display.NewFramebuffer(dc.Width, dc.Height, presenter)
	logger.Debug("display ready",
		"width", dc.Width,
		"height", dc.Height,
		"output", dc.Output,
		"font_large", large.Name,
		"font_small", small.Name,
	)

	board := voteboard.New(cfg.ThingName, fb, large, small, dc.Flash, logger.With("component", "voteboard"))
	return board, cleanup, nil
}

// loadFont reads the BDF font at path, or the shipped font named
// builtin when path is empty.
func loadFont(path, builtin string) (*display.Font, error) {
	if path != "" {
		return display.LoadFont(path)
	}
	f, err := fonts.FS.Open(builtin)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return display.ParseFont(f)
}

func fontError(field string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("display.%s: %w (run with --init to install the fonts, or set it to \"\" for the built-in font)", field, err)
	}
	return fmt.Errorf("display.%s: %w", field, err)
}

func buildSensor(cfg *config.Config, _ io.Writer, logger *slog.Logger) (session.Agent, func(), error) {
	sc := cfg.Sensor
	s := sensor.NewIIO(sensor.Config{
		Dir:        sc.IIODir,
		Pin:        sc.Pin,
		Retries:    sc.Retries,
		RetryDelay: sc.RetryDelay,
	}, logger.With("component", "sensor"))
	logger.Debug("sensor ready", "pin", sc.Pin, "iio_dir", sc.IIODir)

	return telemetry.New(cfg.ThingName, s, logger.With("component", "telemetry")), nil, nil
}
