package acquire

import (
	"context"
	"math"
	"time"

	"cxlogger/internal/model"
)

// DemoSamples generates block k of the synthetic waveform: rate records
// evenly spaced across the second that starts k seconds after start. The
// waveform phase is k plus the offset within the block.
func DemoSamples(start time.Time, k, rate int) []model.SampleRecord {
	if rate <= 0 {
		return nil
	}
	base := start.Add(time.Duration(k) * time.Second)
	step := time.Second / time.Duration(rate)
	out := make([]model.SampleRecord, rate)
	for i := range out {
		phase := float64(k) + float64(i)/float64(rate)
		out[i] = model.SampleRecord{
			Timestamp: base.Add(time.Duration(i) * step),
			AccelX:    math.Sin(phase),
			AccelY:    math.Cos(phase),
			AccelZ:    5 * math.Sin(phase),
		}
	}
	return out
}

func (w *Worker) produceDemo(ctx context.Context, rate int) {
	start := w.now().UTC().Truncate(time.Second)
	ticker := time.NewTicker(w.cfg.DemoPeriod)
	defer ticker.Stop()

	for k := 0; ctx.Err() == nil; k++ {
		block := DemoSamples(start, k, rate)
		for _, rec := range block {
			w.buf.Push(rec)
		}
		w.metrics.Enqueued(len(block))
		w.metrics.QueueLength(w.buf.Len())
		w.log.Debug("demo block generated", "block", k, "records", len(block))

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}
