// Package launcher is the entry-point plumbing both agent binaries
// share: flags, configuration, logging, TLS identity, transport
// selection, signal handling and the session run. Each binary supplies
// an [Agent] describing what is different about it.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nugget/thingshadow/internal/buildinfo"
	"github.com/nugget/thingshadow/internal/config"
	"github.com/nugget/thingshadow/internal/connwatch"
	"github.com/nugget/thingshadow/internal/events"
	"github.com/nugget/thingshadow/internal/identity"
	"github.com/nugget/thingshadow/internal/mqtt"
	"github.com/nugget/thingshadow/internal/session"
)

// queueSize bounds transport events waiting for the dispatch loop.
const queueSize = 64

// Agent describes one agent binary.
type Agent struct {
	// Name is the binary name, used in usage and version output.
	Name string
	// Summary is the first line of the usage text.
	Summary string
	// LogName names the default log file, ./logs/<LogName>.log.
	LogName string
	// NeedsPin adds -p/--pin and makes it mandatory.
	NeedsPin bool

	// OwnsStdout reports whether the agent draws on stdout for cfg, in
	// which case verbose logging goes to stderr instead.
	OwnsStdout func(cfg *config.Config) bool

	// Build creates the session agent once configuration and logging
	// are ready. The returned cleanup runs after the session ends.
	Build func(cfg *config.Config, stdout io.Writer, logger *slog.Logger) (session.Agent, func(), error)
}

type flags struct {
	set *pflag.FlagSet

	thing      string
	endpoint   string
	pin        int
	port       int
	verbose    bool
	configPath string
	version    bool
	init       bool
	help       bool
}

func newFlags(a Agent, stderr io.Writer) *flags {
	f := &flags{set: pflag.NewFlagSet(a.Name, pflag.ContinueOnError)}
	fs := f.set
	fs.SetOutput(stderr)
	fs.StringVarP(&f.thing, "thing", "t", "", "thing name registered with AWS IoT")
	fs.StringVarP(&f.endpoint, "endpoint", "e", "", "AWS IoT endpoint, e.g. A1B71MLXKNXXXX.iot.us-east-1.amazonaws.com")
	if a.NeedsPin {
		fs.IntVarP(&f.pin, "pin", "p", 0, "GPIO pin the DHT22 data line is connected to")
	}
	fs.IntVar(&f.port, "port", 0, "broker port (default 8883; 443 uses ALPN)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "also write log output to the console")
	fs.StringVarP(&f.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	fs.BoolVar(&f.version, "version", false, "print version information and exit")
	fs.BoolVar(&f.init, "init", false, "write an example config and the fonts into [dir] (default .) and exit")
	fs.BoolVarP(&f.help, "help", "h", false, "show help")
	return f
}

// apply copies explicitly set flags over cfg.
func (f *flags) apply(cfg *config.Config) {
	fs := f.set
	if fs.Changed("thing") {
		cfg.ThingName = f.thing
	}
	if fs.Changed("endpoint") {
		cfg.Endpoint = f.endpoint
	}
	if fs.Lookup("pin") != nil && fs.Changed("pin") {
		cfg.Sensor.Pin = f.pin
	}
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if f.verbose {
		cfg.Verbose = true
	}
}

// Run is the real entry point of an agent binary. It returns nil on
// help, version, init and clean shutdown (SIGINT, SIGTERM or ctx), and an
// error otherwise; the caller prints it and exits non-zero.
func Run(ctx context.Context, a Agent, stdout, stderr io.Writer, args []string) error {
	// SIGINT/SIGTERM cancel ctx from here on, so a signal during setup
	// still reaches the deferred cleanups instead of killing the process.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	f := newFlags(a, stderr)
	if err := f.set.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(stdout, a, f.set)
			return nil
		}
		return err
	}
	if f.help {
		printUsage(stdout, a, f.set)
		return nil
	}
	if f.version {
		fmt.Fprintln(stdout, buildinfo.String(a.Name))
		return nil
	}
	rest := f.set.Args()
	if f.init {
		if len(rest) > 1 {
			return fmt.Errorf("unexpected argument: %s", rest[1])
		}
		dir := "."
		if len(rest) == 1 {
			dir = rest[0]
		}
		return runInit(stdout, dir)
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, cfgPath, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	f.apply(cfg)
	if err := cfg.Validate(a.NeedsPin); err != nil {
		return err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logPath := cfg.LogFile
	if logPath == "" {
		logPath = filepath.Join("logs", a.LogName+".log")
	}
	console := stdout
	if a.OwnsStdout != nil && a.OwnsStdout(cfg) {
		console = stderr
	}
	logOut, logCloser, err := config.OpenLogOutput(logPath, cfg.Verbose, console)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger := config.NewLogger(logOut, level, cfg.LogFormat).With("agent", a.Name)
	logger.Info("starting",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"thing", cfg.ThingName,
		"endpoint", cfg.Endpoint,
		"port", cfg.Port,
		"protocol", cfg.MQTT.Protocol,
	)

	id := identity.New(cfg.ThingName, cfg.CertDir, cfg.CAFile)
	if cfg.PKCS12File != "" {
		id = id.WithPKCS12(cfg.PKCS12File, cfg.PKCS12Password)
	}
	tlsCfg, err := id.TLSConfig(cfg.Endpoint, cfg.Port)
	if err != nil {
		logger.Error("tls setup failed", "error", err)
		return &session.ConnectionError{Op: "tls setup", Err: err}
	}

	agent, cleanup, err := a.Build(cfg, stdout, logger)
	if err != nil {
		logger.Error("agent setup failed", "error", err)
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	queue := events.NewQueue(queueSize)
	clientID := mqtt.NewClientID(cfg.ClientIDPrefix)
	transport, err := mqtt.New(cfg.MQTT.Protocol, queue, mqtt.Options{
		ClientID:       clientID,
		KeepAlive:      secondsDuration(cfg.MQTT.KeepAliveSec),
		ConnectTimeout: cfg.MQTT.ConnectTimeout(),
		Logger:         logger.With("component", "mqtt"),
	})
	if err != nil {
		return err
	}
	logger.Info("mqtt client created", "client_id", clientID)

	sess := session.New(session.Config{
		Host:           cfg.Endpoint,
		Port:           cfg.Port,
		TLS:            tlsCfg,
		ConnectTimeout: cfg.MQTT.ConnectTimeout(),
		Reconnect:      cfg.Reconnect.Enabled,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
			MaxRetries:   cfg.Reconnect.MaxRetries,
			ProbeTimeout: cfg.MQTT.ConnectTimeout(),
		},
	}, transport, queue, agent, logger.With("component", "session"))

	if err := sess.Run(ctx); err != nil {
		logger.Error("agent stopped", "error", err)
		return err
	}
	logger.Info("agent stopped")
	return nil
}

// loadConfig returns the configuration from the explicit path or the
// search path. Finding no file at all is fine; the defaults apply.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func printUsage(w io.Writer, a Agent, fs *pflag.FlagSet) {
	fmt.Fprintf(w, "%s - %s\n\n", a.Name, a.Summary)
	fmt.Fprintf(w, "Usage: %s -t <thing> -e <endpoint>", a.Name)
	if a.NeedsPin {
		fmt.Fprint(w, " -p <pin>")
	}
	fmt.Fprint(w, " [flags]\n\nFlags:\n")
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
