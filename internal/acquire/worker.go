// Package acquire runs the per-device acquisition pipeline: a producer that
// pulls samples from a device into a buffer, and a file writer that drains
// the buffer into output files.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cxlogger/internal/buffer"
	"cxlogger/internal/metrics"
	"cxlogger/internal/model"
	"cxlogger/internal/settings"
	"cxlogger/internal/sink"
	"cxlogger/internal/source"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultDemoPeriod   = time.Second
	DefaultCredential   = "admin"
)

// Config describes how a worker acquires from its device.
type Config struct {
	DeviceID string
	// Demo replaces the device with a synthetic waveform generator.
	Demo bool
	// Credential is used for the admin login on connect.
	Credential string
	// PollInterval is the pause between GetSamples calls.
	PollInterval time.Duration
	// DemoPeriod is the pause between synthetic one-second blocks.
	DemoPeriod  time.Duration
	Compression sink.Compression
	Writer      WriterConfig
}

func (c *Config) applyDefaults() {
	if c.Credential == "" {
		c.Credential = DefaultCredential
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DemoPeriod <= 0 {
		c.DemoPeriod = DefaultDemoPeriod
	}
}

// Worker owns one device's connection and its producer/writer pair.
type Worker struct {
	cfg     Config
	src     source.Source
	buf     *buffer.Buffer
	active  atomic.Bool
	log     *slog.Logger
	metrics *metrics.Device
	now     func() time.Time

	mu       sync.Mutex
	settings settings.AcquisitionSettings
}

// NewWorker creates a worker. src may be nil for demo workers.
func NewWorker(cfg Config, src source.Source, s settings.AcquisitionSettings, log *slog.Logger, m *metrics.Device) *Worker {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		src:      src,
		buf:      buffer.New(),
		log:      log.With("device", cfg.DeviceID),
		metrics:  m,
		now:      time.Now,
		settings: s,
	}
}

func (w *Worker) ID() string { return w.cfg.DeviceID }

// Active reports whether the worker is acquiring.
func (w *Worker) Active() bool { return w.active.Load() }

func (w *Worker) setActive(v bool) {
	w.active.Store(v)
	w.metrics.SetActive(v)
}

// Deactivate marks the worker as stopped without waiting for it to exit.
func (w *Worker) Deactivate() { w.setActive(false) }

// Buffer exposes the worker's sample buffer.
func (w *Worker) Buffer() *buffer.Buffer { return w.buf }

// Settings returns a copy of the current settings.
func (w *Worker) Settings() settings.AcquisitionSettings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settings
}

// SetSettings replaces the settings. A running acquisition keeps the
// settings it started with; the new values apply from the next Start.
func (w *Worker) SetSettings(s settings.AcquisitionSettings) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.settings = s
}

// Start marks the worker active and launches acquisition in the
// background. The producer runs until ctx is cancelled. The returned
// channel is closed once the file writer has finished its final flush, or
// immediately if the device could not be brought up.
func (w *Worker) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	w.setActive(true)
	go w.run(ctx, done)
	return done
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	s := w.Settings()

	if !w.cfg.Demo {
		if err := w.bringUp(ctx); err != nil {
			w.log.Warn("acquisition aborted", "error", err)
			w.setActive(false)
			close(done)
			return
		}
	}

	out, err := sink.New(s.OutputType, s.OutputDirectory, w.cfg.DeviceID+"_", sink.Options{
		DeviceID:    w.cfg.DeviceID,
		Compression: w.cfg.Compression,
	})
	if err != nil {
		w.log.Error("acquisition aborted", "error", err)
		w.shutdownStream()
		w.setActive(false)
		close(done)
		return
	}

	writerCfg := w.cfg.Writer
	if w.cfg.Demo {
		// The generator emits exactly SampleRate records per second.
		writerCfg.RawRate = s.SampleRate
	}
	writer := NewWriter(w.cfg.DeviceID, w.buf, out, s, writerCfg, w.log, w.metrics)
	writerCtx, cancelWriter := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer close(done)
		writer.Run(writerCtx)
	}()

	w.log.Info("acquisition started", "demo", w.cfg.Demo, "sample_rate", s.SampleRate, "output", s.OutputType, "dir", s.OutputDirectory)
	if w.cfg.Demo {
		w.produceDemo(ctx, s.SampleRate)
	} else {
		w.produce(ctx)
		w.shutdownStream()
	}

	w.log.Info("cancellation received, stopping file writer")
	w.setActive(false)
	cancelWriter()
}

// bringUp connects and logs in if needed, then enables streaming.
func (w *Worker) bringUp(ctx context.Context) error {
	if w.src == nil {
		return errors.New("no device source")
	}
	if !w.src.IsConnected() {
		w.log.Info("device not connected, attempting connect")
		if err := w.connect(ctx); err != nil {
			return err
		}
	}
	if err := w.src.StreamEnable(); err != nil {
		return fmt.Errorf("enable streaming: %w", err)
	}
	return nil
}

func (w *Worker) connect(ctx context.Context) error {
	if err := w.src.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	status, err := w.src.Login(source.RoleAdmin, w.cfg.Credential)
	if err == nil && status != source.LoginOK {
		err = fmt.Errorf("login status %s", status)
	}
	if err != nil {
		_ = w.src.Disconnect()
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

func (w *Worker) shutdownStream() {
	if w.src == nil || w.cfg.Demo {
		return
	}
	if err := w.src.StreamDisable(); err != nil {
		w.log.Warn("disable streaming failed", "error", err)
	}
}

// produce pulls readings until ctx is cancelled, keeping only readings
// with all three axes valid.
func (w *Worker) produce(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for ctx.Err() == nil {
		readings, err := w.src.GetSamples(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			if failures == 1 {
				w.log.Warn("sample fetch failed", "error", err)
			} else {
				w.log.Debug("sample fetch failed", "error", err, "consecutive", failures)
			}
		case err == nil && failures > 0:
			w.log.Info("sample fetch recovered", "after_failures", failures)
			failures = 0
		}

		pushed := 0
		for _, r := range readings {
			if !r.AccelerationValid() {
				continue
			}
			w.buf.Push(model.SampleRecord{Timestamp: r.Timestamp, AccelX: r.X, AccelY: r.Y, AccelZ: r.Z})
			pushed++
		}
		w.metrics.Enqueued(pushed)
		w.metrics.QueueLength(w.buf.Len())

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// Close releases the device connection.
func (w *Worker) Close() error {
	if w.src == nil || !w.src.IsConnected() {
		return nil
	}
	return w.src.Disconnect()
}
