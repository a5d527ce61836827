// Package sensor reads temperature and relative humidity from a DHT11
// or DHT22 sensor through the Linux IIO subsystem.
//
// The kernel's dht11 driver (enabled on a Raspberry Pi with
// dtoverlay=dht11,gpiopin=N) exposes each sensor as
// /sys/bus/iio/devices/iio:deviceK with the files
//
//	name                        "dht11"
//	in_temp_input               milli-degrees Celsius
//	in_humidityrelative_input   milli-percent relative humidity
//	of_node -> .../dht11@<pin in hex>
//
// The sensor is slow and reads fail often (EIO, ETIMEDOUT), so
// [IIO.ReadRetry] tries several times before giving up.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNoReading is returned when the retry budget is spent without a
// valid sample. It is never fatal: the caller skips that cycle.
var ErrNoReading = errors.New("sensor: no reading")

// ErrNoDevice is returned when no dht11 IIO device is present.
var ErrNoDevice = errors.New("sensor: no dht11 iio device found")

const driverName = "dht11"

// Sample is one reading. Temperature is in degrees Celsius, Humidity
// in percent relative humidity.
type Sample struct {
	Humidity    float64
	Temperature float64
}

// Sensor produces samples.
type Sensor interface {
	// ReadRetry blocks until a valid sample is read, the retry budget is
	// spent (an error wrapping [ErrNoReading]) or ctx is cancelled.
	ReadRetry(ctx context.Context) (Sample, error)
}

// Config selects the device and the retry schedule.
type Config struct {
	// Dir lists IIO devices, normally /sys/bus/iio/devices.
	Dir string
	// Pin is the GPIO (BCM numbering) the data line is wired to.
	Pin        int
	Retries    int
	RetryDelay time.Duration
}

// Defaults match the Adafruit DHT read_retry helper: 15 tries, 2s apart.
const (
	DefaultDir        = "/sys/bus/iio/devices"
	DefaultRetries    = 15
	DefaultRetryDelay = 2 * time.Second
)

// IIO reads a DHT sensor via sysfs.
type IIO struct {
	cfg    Config
	logger *slog.Logger

	// sleep waits between attempts; replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

var _ Sensor = (*IIO)(nil)

// NewIIO creates a reader. Zero config fields take the defaults.
func NewIIO(cfg Config, logger *slog.Logger) *IIO {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IIO{cfg: cfg, logger: logger, sleep: sleepCtx}
}

// ReadRetry implements [Sensor].
func (s *IIO) ReadRetry(ctx context.Context) (Sample, error) {
	var err error
	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		var sample Sample
		sample, err = s.Read()
		if err == nil {
			return sample, nil
		}
		if errors.Is(err, ErrNoDevice) {
			break
		}

		s.logger.Debug("sensor read failed",
			"pin", s.cfg.Pin,
			"attempt", attempt,
			"retries", s.cfg.Retries,
			"error", err,
		)
		if attempt < s.cfg.Retries && !s.sleep(ctx, s.cfg.RetryDelay) {
			return Sample{}, ctx.Err()
		}
	}
	return Sample{}, fmt.Errorf("%w: %w", ErrNoReading, err)
}

// Read makes a single attempt.
func (s *IIO) Read() (Sample, error) {
	dev, err := s.device()
	if err != nil {
		return Sample{}, err
	}

	temp, err := readMilli(filepath.Join(dev, "in_temp_input"))
	if err != nil {
		return Sample{}, err
	}
	hum, err := readMilli(filepath.Join(dev, "in_humidityrelative_input"))
	if err != nil {
		return Sample{}, err
	}
	if hum < 0 || hum > 100 {
		return Sample{}, fmt.Errorf("humidity %.1f%% out of range", hum)
	}
	return Sample{Humidity: hum, Temperature: temp}, nil
}

// device finds the IIO directory for the configured pin. A lone dht11
// device is used even if its pin cannot be determined.
func (s *IIO) device() (string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoDevice, err)
	}

	var candidates []string
	for _, e := range entries {
		dev := filepath.Join(s.cfg.Dir, e.Name())
		name, err := os.ReadFile(filepath.Join(dev, "name"))
		if err != nil || strings.TrimSpace(string(name)) != driverName {
			continue
		}
		if pin, ok := devicePin(dev); ok && pin == s.cfg.Pin {
			return dev, nil
		}
		candidates = append(candidates, dev)
	}

	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if len(candidates) > 1 {
		return "", fmt.Errorf("%w on gpio %d (%d other dht11 devices present)", ErrNoDevice, s.cfg.Pin, len(candidates))
	}
	return "", ErrNoDevice
}

// devicePin extracts the GPIO number from the device-tree node name
// (dht11@15 is GPIO 21).
func devicePin(dev string) (int, bool) {
	node, err := filepath.EvalSymlinks(filepath.Join(dev, "of_node"))
	if err != nil {
		return 0, false
	}
	_, unit, ok := strings.Cut(filepath.Base(node), "@")
	if !ok {
		return 0, false
	}
	pin, err := strconv.ParseInt(unit, 16, 32)
	if err != nil {
		return 0, false
	}
	return int(pin), true
}

func readMilli(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return float64(v) / 1000, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
