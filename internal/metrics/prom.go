package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline holds the acquisition pipeline's Prometheus collectors.
type Pipeline struct {
	samplesEnqueued *prometheus.CounterVec
	samplesWritten  *prometheus.CounterVec
	samplesDropped  *prometheus.CounterVec
	batchesWritten  *prometheus.CounterVec
	batchFailures   *prometheus.CounterVec
	batchesDropped  *prometheus.CounterVec
	sinkLatency     *prometheus.HistogramVec
	queueLength     *prometheus.GaugeVec
	deviceActive    *prometheus.GaugeVec
}

// NewPipeline creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	labels := []string{"device"}
	p := &Pipeline{
		samplesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxlogger_samples_enqueued_total",
			Help: "Valid samples pushed into the device buffer.",
		}, labels),
		samplesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxlogger_samples_written_total",
			Help: "Samples persisted by the output sink.",
		}, labels),
		samplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxlogger_samples_dropped_total",
			Help: "Samples discarded after the write retry limit was exceeded.",
		}, labels),
		batchesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxlogger_batches_written_total",
			Help: "Output files written.",
		}, labels),
		batchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxlogger_batch_write_failures_total",
			Help: "Failed output sink invocations.",
		}, labels),
		batchesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxlogger_batches_dropped_total",
			Help: "Batches discarded after the write retry limit was exceeded.",
		}, labels),
		sinkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cxlogger_sink_write_seconds",
			Help:    "Duration of output sink invocations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, labels),
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cxlogger_queue_length",
			Help: "Samples waiting in the device buffer.",
		}, labels),
		deviceActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cxlogger_device_active",
			Help: "1 while the device is acquiring.",
		}, labels),
	}
	if reg != nil {
		reg.MustRegister(
			p.samplesEnqueued, p.samplesWritten, p.samplesDropped,
			p.batchesWritten, p.batchFailures, p.batchesDropped,
			p.sinkLatency, p.queueLength, p.deviceActive,
		)
	}
	return p
}

// Device binds the collectors to one device label. Calling it on a nil
// Pipeline returns nil; every Device method tolerates a nil receiver.
func (p *Pipeline) Device(id string) *Device {
	if p == nil {
		return nil
	}
	return &Device{
		samplesEnqueued: p.samplesEnqueued.WithLabelValues(id),
		samplesWritten:  p.samplesWritten.WithLabelValues(id),
		samplesDropped:  p.samplesDropped.WithLabelValues(id),
		batchesWritten:  p.batchesWritten.WithLabelValues(id),
		batchFailures:   p.batchFailures.WithLabelValues(id),
		batchesDropped:  p.batchesDropped.WithLabelValues(id),
		sinkLatency:     p.sinkLatency.WithLabelValues(id),
		queueLength:     p.queueLength.WithLabelValues(id),
		deviceActive:    p.deviceActive.WithLabelValues(id),
	}
}

// Device is the per-device view of Pipeline.
type Device struct {
	samplesEnqueued prometheus.Counter
	samplesWritten  prometheus.Counter
	samplesDropped  prometheus.Counter
	batchesWritten  prometheus.Counter
	batchFailures   prometheus.Counter
	batchesDropped  prometheus.Counter
	sinkLatency     prometheus.Observer
	queueLength     prometheus.Gauge
	deviceActive    prometheus.Gauge
}

func (d *Device) Enqueued(n int) {
	if d == nil || n <= 0 {
		return
	}
	d.samplesEnqueued.Add(float64(n))
}

func (d *Device) BatchWritten(n int, took time.Duration) {
	if d == nil {
		return
	}
	d.batchesWritten.Inc()
	d.samplesWritten.Add(float64(n))
	d.sinkLatency.Observe(took.Seconds())
}

func (d *Device) BatchFailed(took time.Duration) {
	if d == nil {
		return
	}
	d.batchFailures.Inc()
	d.sinkLatency.Observe(took.Seconds())
}

func (d *Device) BatchDropped(n int) {
	if d == nil {
		return
	}
	d.batchesDropped.Inc()
	d.samplesDropped.Add(float64(n))
}

func (d *Device) QueueLength(n int) {
	if d == nil {
		return
	}
	d.queueLength.Set(float64(n))
}

func (d *Device) SetActive(active bool) {
	if d == nil {
		return
	}
	if active {
		d.deviceActive.Set(1)
		return
	}
	d.deviceActive.Set(0)
}
