package acquire

import (
	"context"
	"log/slog"
	"time"

	"cxlogger/internal/buffer"
	"cxlogger/internal/metrics"
	"cxlogger/internal/model"
	"cxlogger/internal/settings"
	"cxlogger/internal/sink"
)

const (
	DefaultRawRate        = 500
	DefaultWriterPoll     = 50 * time.Millisecond
	DefaultWriterCooldown = 60 * time.Second
	DefaultRetryLimit     = 5
)

// WriterConfig tunes the file writer loop.
type WriterConfig struct {
	// RawRate is the rate the producer fills the buffer at. Records are
	// decimated by RawRate / SampleRate.
	RawRate int
	// PollInterval is the idle wait when the buffer is empty.
	PollInterval time.Duration
	// Cooldown is the pause after each successful write. Zero selects
	// DefaultWriterCooldown; a negative value disables the pause.
	Cooldown time.Duration
	// RetryLimit is the number of failed writes tolerated for one batch
	// before it is dropped. Zero selects DefaultRetryLimit; a negative
	// value drops a batch after its first failure.
	RetryLimit int
}

func (c *WriterConfig) applyDefaults() {
	if c.RawRate <= 0 {
		c.RawRate = DefaultRawRate
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultWriterPoll
	}
	switch {
	case c.Cooldown == 0:
		c.Cooldown = DefaultWriterCooldown
	case c.Cooldown < 0:
		c.Cooldown = 0
	}
	switch {
	case c.RetryLimit == 0:
		c.RetryLimit = DefaultRetryLimit
	case c.RetryLimit < 0:
		c.RetryLimit = 0
	}
}

// Writer drains a device buffer into output files.
type Writer struct {
	device    string
	buf       *buffer.Buffer
	out       sink.Sink
	cfg       WriterConfig
	batchSize int
	every     int
	log       *slog.Logger
	metrics   *metrics.Device
}

// NewWriter builds a writer for one run of a device. The batch size and
// decimation factor are fixed from s at construction.
func NewWriter(device string, buf *buffer.Buffer, out sink.Sink, s settings.AcquisitionSettings, cfg WriterConfig, log *slog.Logger, m *metrics.Device) *Writer {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	batch := s.BatchSize()
	if batch < 1 {
		batch = 1
	}
	return &Writer{
		device:    device,
		buf:       buf,
		out:       out,
		cfg:       cfg,
		batchSize: batch,
		every:     DecimationFactor(cfg.RawRate, s.SampleRate),
		log:       log.With("device", device, "sink", out.Name()),
		metrics:   m,
	}
}

// DecimationFactor returns how many raw records map to one kept record.
func DecimationFactor(rawRate, sampleRate int) int {
	if sampleRate <= 0 {
		return 1
	}
	n := rawRate / sampleRate
	if n < 1 {
		return 1
	}
	return n
}

// BatchSize reports the threshold that triggers a write.
func (w *Writer) BatchSize() int { return w.batchSize }

// Run collects records until ctx is cancelled, then drains whatever is
// left in the buffer into one final write.
func (w *Writer) Run(ctx context.Context) {
	w.log.Debug("file writer started", "batch_size", w.batchSize, "decimation", w.every)

	var pending []model.SampleRecord
	retries := 0
	seen := 0

	for ctx.Err() == nil {
		rec, ok := w.buf.TryPop()
		if !ok {
			if !w.wait(ctx, w.cfg.PollInterval, w.buf.Ready()) {
				break
			}
			continue
		}

		keep := seen%w.every == 0
		seen++
		if !keep {
			continue
		}
		pending = append(pending, rec)
		if len(pending) < w.batchSize {
			continue
		}

		if w.flush(pending) {
			pending = nil
			retries = 0
			seen = 0
			w.metrics.QueueLength(w.buf.Len())
			if !w.wait(ctx, w.cfg.Cooldown, nil) {
				break
			}
			continue
		}

		retries++
		if retries > w.cfg.RetryLimit {
			w.log.Error("dropping batch after repeated write failures", "records", len(pending), "attempts", retries)
			w.metrics.BatchDropped(len(pending))
			pending = nil
			retries = 0
		}
	}

	remaining := w.buf.Drain()
	pending = append(pending, remaining...)
	w.log.Info("cancellation received, flushing remaining records", "records", len(pending), "drained", len(remaining))
	w.flush(pending)
	w.metrics.QueueLength(w.buf.Len())
}

// flush invokes the sink once and reports whether anything was written.
func (w *Writer) flush(batch []model.SampleRecord) bool {
	started := time.Now()
	n, err := w.out.Write(batch)
	took := time.Since(started)
	if len(batch) == 0 {
		return false
	}
	if err != nil || n == 0 {
		w.metrics.BatchFailed(took)
		if err != nil {
			w.log.Warn("batch write failed", "records", len(batch), "error", err)
		} else {
			w.log.Debug("batch write produced no records", "records", len(batch))
		}
		return false
	}
	w.metrics.BatchWritten(n, took)
	w.log.Info("batch written", "records", n, "took", took)
	return true
}

// wait pauses for d, returning early when wake fires. It returns false
// once ctx is cancelled.
func (w *Writer) wait(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}
