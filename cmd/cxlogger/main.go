package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"cxlogger/internal/acquire"
	"cxlogger/internal/api"
	"cxlogger/internal/config"
	"cxlogger/internal/fleet"
	"cxlogger/internal/metrics"
	"cxlogger/internal/settings"
	"cxlogger/internal/shadow"
	"cxlogger/internal/sink"
	"cxlogger/internal/source"
)

const usage = `cxlogger - vibration sensor acquisition service

Usage:
  cxlogger serve [--config <path>] [--listen addr] [--demo] [--replay-dir dir]
  cxlogger devices [--server addr]
  cxlogger health [--server addr]
  cxlogger start <device> [--server addr]
  cxlogger stop <device>|--all [--server addr]
  cxlogger report [--server addr]
  cxlogger settings get <device> [--server addr]
  cxlogger settings set <device> [--file path] [--sample-rate n] [--output-type csv|columnar]
                                 [--output-dir dir] [--save-unit unit] [--save-interval n]
  cxlogger stats --file <csv|cxb> [--since RFC3339]
  cxlogger convert --in <cxb> --out <csv>
  cxlogger config init --config <path>

Environment:
  DEMO               enable demo devices unless "false"
  DEVICE_CONFIG_DIR  per-device settings directory
`

const defaultServer = "127.0.0.1:8080"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "serve":
		handleServe(os.Args[2:])
	case "devices":
		handleDevices(os.Args[2:])
	case "health":
		handleHealth(os.Args[2:])
	case "start":
		handleStart(os.Args[2:])
	case "stop":
		handleStop(os.Args[2:])
	case "report":
		handleReport(os.Args[2:])
	case "settings":
		handleSettings(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "convert":
		handleConvert(os.Args[2:])
	case "config":
		handleConfig(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleServe(args []string) {
	fs := pflag.NewFlagSet("serve", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address")
	demo := fs.Bool("demo", false, "provision synthetic demo devices")
	settingsDir := fs.String("settings-dir", "", "per-device settings directory")
	dataDir := fs.String("data-dir", "", "base directory for output files")
	replayDir := fs.String("replay-dir", "", "expose recorded CSV captures as devices")
	logLevel := fs.String("log-level", "info", "debug|info|warn|error")
	logFormat := fs.String("log-format", "text", "text|json")
	_ = fs.Parse(args)

	log, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		fatal(err)
	}
	slog.SetDefault(log)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	config.ApplyEnv(&cfg, os.Getenv)
	overrideServe(&cfg, *listen, *settingsDir, *dataDir, *replayDir)
	if fs.Changed("demo") {
		cfg.Fleet.Demo = *demo
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	fatal(serve(ctx, cfg, log))
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	compression, err := sink.ParseCompression(cfg.Pipeline.Compression)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := fleet.Options{
		HostName:  cfg.Server.HostName,
		Demo:      cfg.Fleet.Demo,
		AutoStart: cfg.Fleet.AutoStartEnabled(),
		DataDir:   cfg.Fleet.DataDir,
		Store:     settings.NewStore(cfg.Fleet.SettingsDir),
		Worker: acquire.Config{
			Credential:   cfg.Fleet.DevicePassword,
			PollInterval: cfg.Pipeline.PollInterval(),
			DemoPeriod:   cfg.Pipeline.DemoPeriod(),
			Compression:  compression,
			Writer:       writerConfig(cfg.Pipeline),
		},
		Metrics: metrics.NewPipeline(reg),
		Logger:  log,
	}
	if !cfg.Fleet.Demo {
		if cfg.Fleet.ReplayDir == "" {
			return errors.New("no device driver available: set fleet.replay_dir or enable demo mode")
		}
		opts.Driver = &source.ReplayDriver{
			Dir:        cfg.Fleet.ReplayDir,
			Credential: cfg.Fleet.DevicePassword,
			Chunk:      cfg.Fleet.ReplayChunk,
		}
	}

	m, err := fleet.New(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		// Final flushes run to completion; a second signal kills the process.
		if err := m.Close(context.Background()); err != nil {
			log.Error("fleet shutdown incomplete", "error", err)
		}
	}()

	var reporter api.Reporter
	if cfg.Shadow.Enabled {
		pub, err := shadow.DialMQTT(shadow.MQTTOptions{
			Broker:   cfg.Shadow.Broker,
			ClientID: cfg.Shadow.ClientID,
			Username: cfg.Shadow.Username,
			Password: cfg.Shadow.Password,
		})
		if err != nil {
			log.Warn("health shadow disabled", "error", err)
		} else {
			defer pub.Close()
			r := shadow.NewReporter(pub, m, cfg.Shadow.TopicPrefix, cfg.Server.HostName, cfg.Shadow.Interval(), log)
			go r.Run(ctx)
			reporter = r
			log.Info("health shadow enabled", "broker", cfg.Shadow.Broker, "topic", r.Topic())
		}
	}

	srv := api.NewServer(m, reg, reporter, log)
	return srv.ListenAndServe(ctx, cfg.Server.Listen)
}

func handleDevices(args []string) {
	fs := pflag.NewFlagSet("devices", pflag.ExitOnError)
	server := fs.String("server", defaultServer, "service address")
	_ = fs.Parse(args)

	devices, err := api.NewClient(normalizeBaseURL(*server)).Devices(context.Background())
	if err != nil {
		fatal(err)
	}
	for _, id := range devices {
		fmt.Fprintln(os.Stdout, id)
	}
}

func handleHealth(args []string) {
	fs := pflag.NewFlagSet("health", pflag.ExitOnError)
	server := fs.String("server", defaultServer, "service address")
	_ = fs.Parse(args)

	snap, err := api.NewClient(normalizeBaseURL(*server)).Health(context.Background())
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "host=%s sensors=%d\n", snap.HostDeviceName, len(snap.Sensors))
	for _, s := range snap.Sensors {
		state := "inactive"
		if s.Active {
			state = "active"
		}
		fmt.Fprintf(os.Stdout, "  %s %s\n", s.SensorID, state)
	}
}

func handleStart(args []string) {
	fs := pflag.NewFlagSet("start", pflag.ExitOnError)
	server := fs.String("server", defaultServer, "service address")
	_ = fs.Parse(args)

	id := requireArg(fs, "device id")
	if err := api.NewClient(normalizeBaseURL(*server)).Start(context.Background(), id); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "start requested for %s\n", id)
}

func handleStop(args []string) {
	fs := pflag.NewFlagSet("stop", pflag.ExitOnError)
	server := fs.String("server", defaultServer, "service address")
	all := fs.Bool("all", false, "stop every device")
	_ = fs.Parse(args)

	client := api.NewClient(normalizeBaseURL(*server))
	if *all {
		if err := client.StopAll(context.Background()); err != nil {
			fatal(err)
		}
		fmt.Fprintln(os.Stdout, "stop requested for all devices")
		return
	}

	id := requireArg(fs, "device id or --all")
	if err := client.Stop(context.Background(), id); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "stop requested for %s\n", id)
}

func handleReport(args []string) {
	fs := pflag.NewFlagSet("report", pflag.ExitOnError)
	server := fs.String("server", defaultServer, "service address")
	_ = fs.Parse(args)

	if err := api.NewClient(normalizeBaseURL(*server)).Report(context.Background()); err != nil {
		fatal(err)
	}
	fmt.Fprintln(os.Stdout, "health report published")
}

func handleSettings(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "settings subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "get":
		settingsGet(args[1:])
	case "set":
		settingsSet(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown settings subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func settingsGet(args []string) {
	fs := pflag.NewFlagSet("settings get", pflag.ExitOnError)
	server := fs.String("server", defaultServer, "service address")
	_ = fs.Parse(args)

	id := requireArg(fs, "device id")
	cfg, err := api.NewClient(normalizeBaseURL(*server)).Settings(context.Background(), id)
	if err != nil {
		fatal(err)
	}
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		fatal(err)
	}
	fmt.Fprint(os.Stdout, string(out))
}

func settingsSet(args []string) {
	fs := pflag.NewFlagSet("settings set", pflag.ExitOnError)
	server := fs.String("server", defaultServer, "service address")
	file := fs.String("file", "", "YAML or JSON settings document to apply")
	sampleRate := fs.Int("sample-rate", 0, "samples per second")
	outputType := fs.String("output-type", "", "csv|columnar")
	outputDir := fs.String("output-dir", "", "output directory")
	saveUnit := fs.String("save-unit", "", "second|minute|hour")
	saveInterval := fs.Int("save-interval", 0, "save interval in units")
	offline := fs.Bool("offline", false, "offline mode")
	_ = fs.Parse(args)

	id := requireArg(fs, "device id")
	client := api.NewClient(normalizeBaseURL(*server))
	ctx := context.Background()

	cfg, err := client.Settings(ctx, id)
	if err != nil {
		fatal(err)
	}
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			fatal(err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			fatal(fmt.Errorf("parse %s: %w", *file, err))
		}
	}
	if fs.Changed("sample-rate") {
		cfg.SampleRate = *sampleRate
	}
	if fs.Changed("output-type") {
		cfg.OutputType = *outputType
	}
	if fs.Changed("output-dir") {
		cfg.OutputDirectory = *outputDir
	}
	if fs.Changed("save-unit") {
		cfg.SaveInterval.Unit = *saveUnit
	}
	if fs.Changed("save-interval") {
		cfg.SaveInterval.Interval = *saveInterval
	}
	if fs.Changed("offline") {
		cfg.OfflineMode = *offline
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	updated, err := client.UpdateSettings(ctx, id, cfg)
	if err != nil {
		fatal(err)
	}
	out, _ := json.Marshal(updated)
	fmt.Fprintf(os.Stdout, "updated %s: %s\n", id, out)
}

func handleStats(args []string) {
	fs := pflag.NewFlagSet("stats", pflag.ExitOnError)
	file := fs.String("file", "", "output file (.csv or .cxb)")
	since := fs.String("since", "", "only include samples at or after this RFC3339 time")
	_ = fs.Parse(args)

	if *file == "" {
		fatal(errors.New("--file is required"))
	}
	var cutoff time.Time
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			fatal(fmt.Errorf("--since: %w", err))
		}
		cutoff = t
	}

	items, err := sink.ReadFile(*file)
	if err != nil {
		fatal(err)
	}
	summary := metrics.Summarize(items, cutoff)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no samples in range")
		return
	}

	fmt.Fprintf(os.Stdout, "samples=%d from=%s to=%s\n", summary.Count, summary.From.Format(time.RFC3339Nano), summary.To.Format(time.RFC3339Nano))
	for _, axis := range []struct {
		name string
		a    metrics.Axis
	}{{"x", summary.X}, {"y", summary.Y}, {"z", summary.Z}} {
		fmt.Fprintf(os.Stdout, "%s mean=%.4f rms=%.4f min=%.4f max=%.4f peak=%.4f\n", axis.name, axis.a.Mean, axis.a.RMS, axis.a.Min, axis.a.Max, axis.a.Peak)
	}
	fmt.Fprintf(os.Stdout, "magnitude p95=%.4f\n", summary.P95Magnitude)
}

func handleConvert(args []string) {
	fs := pflag.NewFlagSet("convert", pflag.ExitOnError)
	in := fs.String("in", "", "columnar input file (.cxb)")
	out := fs.String("out", "", "CSV output file")
	_ = fs.Parse(args)

	if *in == "" || *out == "" {
		fatal(errors.New("--in and --out are required"))
	}
	items, err := sink.ReadColumnar(*in)
	if err != nil {
		fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		fatal(err)
	}
	f, err := os.Create(*out)
	if err != nil {
		fatal(err)
	}
	if err := sink.WriteCSV(f, items); err != nil {
		_ = f.Close()
		fatal(err)
	}
	fatal(f.Close())
	fmt.Fprintf(os.Stdout, "converted %d records to %s\n", len(items), *out)
}

func handleConfig(args []string) {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprint(os.Stderr, "config subcommand required: init\n")
		os.Exit(2)
	}

	fs := pflag.NewFlagSet("config init", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to write")
	demo := fs.Bool("demo", false, "enable demo devices")
	dataDir := fs.String("data-dir", "", "base directory for output files")
	_ = fs.Parse(args[1:])

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	cfg := config.Config{}
	cfg.Fleet.Demo = *demo
	cfg.Fleet.DataDir = *dataDir
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

// writerConfig maps the pipeline section onto the writer, where zero means
// "use the default" and a negative value switches the feature off.
func writerConfig(p config.PipelineConfig) acquire.WriterConfig {
	wc := acquire.WriterConfig{
		RawRate:      p.RawRate,
		PollInterval: p.WriterPoll(),
		Cooldown:     p.Cooldown(),
		RetryLimit:   p.Retries(),
	}
	if wc.Cooldown == 0 {
		wc.Cooldown = -1
	}
	if wc.RetryLimit == 0 {
		wc.RetryLimit = -1
	}
	return wc
}

func overrideServe(cfg *config.Config, listen, settingsDir, dataDir, replayDir string) {
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if settingsDir != "" {
		cfg.Fleet.SettingsDir = settingsDir
	}
	if dataDir != "" {
		cfg.Fleet.DataDir = dataDir
	}
	if replayDir != "" {
		cfg.Fleet.ReplayDir = replayDir
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("--log-format must be text or json, got %q", format)
	}
}

func requireArg(fs *pflag.FlagSet, what string) string {
	if fs.NArg() < 1 {
		fatal(fmt.Errorf("%s required", what))
	}
	return fs.Arg(0)
}

func normalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
		signal.Stop(signals)
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
