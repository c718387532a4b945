package acquire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cxlogger/internal/buffer"
	"cxlogger/internal/metrics"
	"cxlogger/internal/model"
	"cxlogger/internal/settings"
)

type recordingSink struct {
	mu    sync.Mutex
	calls [][]model.SampleRecord
	fail  bool
	// zero makes Write report no records written without an error.
	zero bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(batch []model.SampleRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]model.SampleRecord(nil), batch...))
	if s.fail {
		return 0, errors.New("disk full")
	}
	if s.zero {
		return 0, nil
	}
	return len(batch), nil
}

func (s *recordingSink) snapshot() [][]model.SampleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]model.SampleRecord(nil), s.calls...)
}

func (s *recordingSink) nonEmptyCalls() int {
	n := 0
	for _, c := range s.snapshot() {
		if len(c) > 0 {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func secondSettings(rate int) settings.AcquisitionSettings {
	s := settings.Default("/unused")
	s.SampleRate = rate
	s.SaveInterval = settings.SaveInterval{Unit: settings.UnitSecond, Interval: 1}
	return s
}

func records(n int) []model.SampleRecord {
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	out := make([]model.SampleRecord, n)
	for i := range out {
		out[i] = model.SampleRecord{Timestamp: base.Add(time.Duration(i) * time.Millisecond), AccelX: float64(i)}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startWriter(w *Writer) (context.CancelFunc, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return cancel, done
}

func TestDecimationFactor(t *testing.T) {
	t.Parallel()

	cases := []struct{ raw, rate, want int }{
		{500, 500, 1},
		{500, 100, 5},
		{500, 250, 2},
		{500, 1000, 1},
		{500, 0, 1},
		{500, 300, 1},
	}
	for _, tc := range cases {
		if got := DecimationFactor(tc.raw, tc.rate); got != tc.want {
			t.Fatalf("raw=%d rate=%d got=%d want=%d", tc.raw, tc.rate, got, tc.want)
		}
	}
}

func TestWriter_DecimatesToTargetRate(t *testing.T) {
	t.Parallel()

	buf := buffer.New()
	out := &recordingSink{}
	w := NewWriter("CX1_1901", buf, out, secondSettings(100), WriterConfig{RawRate: 500, PollInterval: time.Millisecond, Cooldown: -1}, discardLogger(), nil)
	if w.BatchSize() != 100 {
		t.Fatalf("batch=%d", w.BatchSize())
	}

	for _, rec := range records(2 * 500) {
		buf.Push(rec)
	}
	cancel, done := startWriter(w)
	waitFor(t, "two batches", func() bool { return out.nonEmptyCalls() >= 2 })
	cancel()
	<-done

	calls := out.snapshot()
	written := 0
	for _, c := range calls[:2] {
		if len(c) != 100 {
			t.Fatalf("batch len=%d", len(c))
		}
		written += len(c)
	}
	if written != 200 {
		t.Fatalf("written=%d", written)
	}
	if got := calls[0][1].AccelX; got != 5 {
		t.Fatalf("second kept record accel_x=%v want 5", got)
	}
	// The decimation counter restarts after a successful write.
	if got := calls[1][0].AccelX; got != 496 {
		t.Fatalf("second batch starts at accel_x=%v want 496", got)
	}
}

func TestWriter_WritesOnlyAtThreshold(t *testing.T) {
	t.Parallel()

	buf := buffer.New()
	out := &recordingSink{}
	w := NewWriter("CX1_1901", buf, out, secondSettings(10), WriterConfig{RawRate: 10, PollInterval: time.Millisecond, Cooldown: -1}, discardLogger(), nil)

	recs := records(10)
	for _, rec := range recs[:9] {
		buf.Push(rec)
	}
	cancel, done := startWriter(w)
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "buffer consumed", func() bool { return buf.Len() == 0 })
	time.Sleep(20 * time.Millisecond)
	if n := out.nonEmptyCalls(); n != 0 {
		t.Fatalf("wrote %d batches below threshold", n)
	}

	buf.Push(recs[9])
	waitFor(t, "threshold write", func() bool { return out.nonEmptyCalls() == 1 })
	if got := len(out.snapshot()[0]); got != 10 {
		t.Fatalf("batch len=%d", got)
	}
}

func TestWriter_FinalFlushBypassesDecimationAndThreshold(t *testing.T) {
	t.Parallel()

	buf := buffer.New()
	for _, rec := range records(7) {
		buf.Push(rec)
	}
	out := &recordingSink{}
	w := NewWriter("CX1_1901", buf, out, settings.Default("/unused"), WriterConfig{RawRate: 500}, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	calls := out.snapshot()
	if len(calls) != 1 {
		t.Fatalf("calls=%d", len(calls))
	}
	if len(calls[0]) != 7 {
		t.Fatalf("final batch len=%d", len(calls[0]))
	}
	if buf.Len() != 0 {
		t.Fatalf("buffer len=%d", buf.Len())
	}
}

func TestWriter_FinalFlushIsAttemptedOnFailure(t *testing.T) {
	t.Parallel()

	buf := buffer.New()
	buf.Push(records(1)[0])
	out := &recordingSink{fail: true}
	w := NewWriter("CX1_1901", buf, out, settings.Default("/unused"), WriterConfig{}, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	if n := len(out.snapshot()); n != 1 {
		t.Fatalf("calls=%d", n)
	}
}

func TestWriter_DropsBatchAfterRetryLimit(t *testing.T) {
	t.Parallel()

	buf := buffer.New()
	out := &recordingSink{fail: true}
	const limit = 2
	w := NewWriter("CX1_1901", buf, out, secondSettings(1), WriterConfig{RawRate: 1, PollInterval: time.Millisecond, RetryLimit: limit}, discardLogger(), nil)

	for _, rec := range records(limit + 2) {
		buf.Push(rec)
	}
	cancel, done := startWriter(w)
	waitFor(t, "retries", func() bool { return len(out.snapshot()) >= limit+2 })
	cancel()
	<-done

	calls := out.snapshot()
	// The batch grows by one record per retry until it is dropped after
	// limit+1 invocations, then collection starts over.
	want := []int{1, 2, 3, 1}
	for i, n := range want {
		if len(calls[i]) != n {
			t.Fatalf("call=%d len=%d want=%d", i, len(calls[i]), n)
		}
	}
	if calls[3][0].AccelX != 3 {
		t.Fatalf("post-drop batch starts at accel_x=%v", calls[3][0].AccelX)
	}
}

func TestWriter_CooldownIsInterruptedByCancel(t *testing.T) {
	t.Parallel()

	buf := buffer.New()
	out := &recordingSink{}
	w := NewWriter("CX1_1901", buf, out, secondSettings(1), WriterConfig{RawRate: 1, PollInterval: time.Millisecond, Cooldown: time.Hour}, discardLogger(), nil)

	for _, rec := range records(3) {
		buf.Push(rec)
	}
	cancel, done := startWriter(w)
	waitFor(t, "first write", func() bool { return out.nonEmptyCalls() == 1 })
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("writer stuck in cooldown")
	}
	calls := out.snapshot()
	last := calls[len(calls)-1]
	if len(last) != 2 {
		t.Fatalf("final flush len=%d want 2", len(last))
	}
}

func TestWriterConfig_ZeroSelectsDefaultsNegativeDisables(t *testing.T) {
	t.Parallel()

	w := NewWriter("CX1_1901", buffer.New(), &recordingSink{}, secondSettings(1), WriterConfig{}, discardLogger(), nil)
	if w.cfg.RawRate != DefaultRawRate || w.cfg.PollInterval != DefaultWriterPoll {
		t.Fatalf("raw=%d poll=%v", w.cfg.RawRate, w.cfg.PollInterval)
	}
	if w.cfg.Cooldown != DefaultWriterCooldown || w.cfg.RetryLimit != DefaultRetryLimit {
		t.Fatalf("cooldown=%v retry=%d", w.cfg.Cooldown, w.cfg.RetryLimit)
	}

	w = NewWriter("CX1_1901", buffer.New(), &recordingSink{}, secondSettings(1), WriterConfig{Cooldown: -1, RetryLimit: -1}, discardLogger(), nil)
	if w.cfg.Cooldown != 0 || w.cfg.RetryLimit != 0 {
		t.Fatalf("cooldown=%v retry=%d", w.cfg.Cooldown, w.cfg.RetryLimit)
	}
}

// counterValue sums a counter family, or a histogram family's observation
// count, across all label values.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue() + float64(m.GetHistogram().GetSampleCount())
		}
	}
	return total
}

func TestWriter_ZeroCountIsTreatedAsFailure(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.NewPipeline(reg).Device("CX1_1901")
	buf := buffer.New()
	out := &recordingSink{zero: true}
	const limit = 2
	w := NewWriter("CX1_1901", buf, out, secondSettings(1), WriterConfig{RawRate: 1, PollInterval: time.Millisecond, RetryLimit: limit}, discardLogger(), m)

	for _, rec := range records(limit + 1) {
		buf.Push(rec)
	}
	cancel, done := startWriter(w)
	waitFor(t, "retries", func() bool { return len(out.snapshot()) >= limit+1 })
	cancel()
	<-done

	calls := out.snapshot()
	for i, n := range []int{1, 2, 3} {
		if len(calls[i]) != n {
			t.Fatalf("call=%d len=%d want=%d", i, len(calls[i]), n)
		}
	}
	if got := counterValue(t, reg, "cxlogger_batch_write_failures_total"); got != limit+1 {
		t.Fatalf("failures=%v", got)
	}
	if got := counterValue(t, reg, "cxlogger_batches_dropped_total"); got != 1 {
		t.Fatalf("dropped=%v", got)
	}
	if got := counterValue(t, reg, "cxlogger_batches_written_total"); got != 0 {
		t.Fatalf("written=%v", got)
	}
}

func TestWriter_EmptyFinalFlushIsNotCounted(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.NewPipeline(reg).Device("CX1_1901")
	out := &recordingSink{}
	w := NewWriter("CX1_1901", buffer.New(), out, secondSettings(1), WriterConfig{}, discardLogger(), m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	calls := out.snapshot()
	if len(calls) != 1 || len(calls[0]) != 0 {
		t.Fatalf("calls=%v", calls)
	}
	if got := counterValue(t, reg, "cxlogger_batch_write_failures_total"); got != 0 {
		t.Fatalf("failures=%v", got)
	}
	if got := counterValue(t, reg, "cxlogger_sink_write_seconds"); got != 0 {
		t.Fatalf("latency observations=%v", got)
	}
}
