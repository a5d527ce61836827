package sensor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDevice creates iio:deviceN under root wired to pin. Empty temp or
// hum leaves the corresponding file out.
func fakeDevice(t *testing.T, root string, n, pin int, temp, hum string) string {
	t.Helper()
	dev := filepath.Join(root, "iio:device"+string(rune('0'+n)))
	if err := os.MkdirAll(dev, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dev, "name"), []byte("dht11\n"), 0o644)
	if temp != "" {
		os.WriteFile(filepath.Join(dev, "in_temp_input"), []byte(temp+"\n"), 0o644)
	}
	if hum != "" {
		os.WriteFile(filepath.Join(dev, "in_humidityrelative_input"), []byte(hum+"\n"), 0o644)
	}

	node := filepath.Join(root, "of", "dht11@"+hexPin(pin))
	if err := os.MkdirAll(node, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(node, filepath.Join(dev, "of_node")); err != nil {
		t.Fatal(err)
	}
	return dev
}

func hexPin(pin int) string {
	const digits = "0123456789abcdef"
	if pin < 16 {
		return string(digits[pin])
	}
	return string(digits[pin/16]) + string(digits[pin%16])
}

func newTestSensor(dir string, pin, retries int) (*IIO, *int) {
	s := NewIIO(Config{Dir: dir, Pin: pin, Retries: retries, RetryDelay: time.Millisecond}, quietLogger())
	sleeps := new(int)
	s.sleep = func(context.Context, time.Duration) bool {
		*sleeps++
		return true
	}
	return s, sleeps
}

func TestRead(t *testing.T) {
	root := t.TempDir()
	fakeDevice(t, root, 0, 21, "21500", "48250")

	s, _ := newTestSensor(root, 21, 1)
	got, err := s.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Temperature != 21.5 || got.Humidity != 48.25 {
		t.Errorf("Read() = %+v, want 21.5C 48.25%%", got)
	}
}

func TestRead_SelectsDeviceByPin(t *testing.T) {
	root := t.TempDir()
	fakeDevice(t, root, 0, 4, "10000", "10000")
	fakeDevice(t, root, 1, 21, "-5000", "90000")

	s, _ := newTestSensor(root, 21, 1)
	got, err := s.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Temperature != -5 {
		t.Errorf("read the wrong device: %+v", got)
	}

	s, _ = newTestSensor(root, 17, 1)
	if _, err := s.Read(); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Read() on an unwired pin with two devices = %v, want ErrNoDevice", err)
	}
}

func TestRead_LoneDeviceWithoutPinMatch(t *testing.T) {
	root := t.TempDir()
	fakeDevice(t, root, 0, 4, "20000", "30000")

	s, _ := newTestSensor(root, 21, 1)
	if _, err := s.Read(); err != nil {
		t.Errorf("a single dht11 device should be used regardless of pin, got %v", err)
	}
}

func TestRead_HumidityOutOfRange(t *testing.T) {
	root := t.TempDir()
	fakeDevice(t, root, 0, 21, "20000", "180000")

	s, _ := newTestSensor(root, 21, 1)
	if _, err := s.Read(); err == nil {
		t.Error("Read() with 180% humidity should error")
	}
}

func TestReadRetry_EventuallySucceeds(t *testing.T) {
	root := t.TempDir()
	dev := fakeDevice(t, root, 0, 21, "", "40000")

	s, sleeps := newTestSensor(root, 21, 15)
	s.sleep = func(context.Context, time.Duration) bool {
		*sleeps++
		if *sleeps == 3 {
			os.WriteFile(filepath.Join(dev, "in_temp_input"), []byte("22000\n"), 0o644)
		}
		return true
	}

	got, err := s.ReadRetry(t.Context())
	if err != nil {
		t.Fatalf("ReadRetry() error = %v", err)
	}
	if got.Temperature != 22 {
		t.Errorf("ReadRetry() = %+v", got)
	}
	if *sleeps != 3 {
		t.Errorf("slept %d times, want 3", *sleeps)
	}
}

func TestReadRetry_Exhausted(t *testing.T) {
	root := t.TempDir()
	fakeDevice(t, root, 0, 21, "", "")

	s, sleeps := newTestSensor(root, 21, 15)
	_, err := s.ReadRetry(t.Context())
	if !errors.Is(err, ErrNoReading) {
		t.Fatalf("ReadRetry() error = %v, want ErrNoReading", err)
	}
	if *sleeps != 14 {
		t.Errorf("slept %d times, want 14 between 15 attempts", *sleeps)
	}
}

func TestReadRetry_NoDeviceGivesUpImmediately(t *testing.T) {
	s, sleeps := newTestSensor(t.TempDir(), 21, 15)

	_, err := s.ReadRetry(t.Context())
	if !errors.Is(err, ErrNoReading) || !errors.Is(err, ErrNoDevice) {
		t.Fatalf("ReadRetry() error = %v, want ErrNoReading wrapping ErrNoDevice", err)
	}
	if *sleeps != 0 {
		t.Errorf("slept %d times, want 0", *sleeps)
	}
}

func TestReadRetry_Cancelled(t *testing.T) {
	root := t.TempDir()
	fakeDevice(t, root, 0, 21, "", "")

	s := NewIIO(Config{Dir: root, Pin: 21, Retries: 15, RetryDelay: time.Hour}, quietLogger())
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := s.ReadRetry(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadRetry() error = %v, want context.Canceled", err)
	}
}

func TestNewIIO_Defaults(t *testing.T) {
	s := NewIIO(Config{Pin: 21}, nil)
	if s.cfg.Dir != DefaultDir || s.cfg.Retries != 15 || s.cfg.RetryDelay != 2*time.Second {
		t.Errorf("defaults = %+v", s.cfg)
	}
}
