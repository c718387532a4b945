package metrics

import (
	"math"
	"sort"
	"time"

	"cxlogger/internal/model"
)

// Summary is a basic statistics snapshot of recorded vibration.
type Summary struct {
	Count        int
	From         time.Time
	To           time.Time
	X            Axis
	Y            Axis
	Z            Axis
	P95Magnitude float64
}

// Axis summarizes one acceleration axis.
type Axis struct {
	Mean float64
	RMS  float64
	Min  float64
	Max  float64
	Peak float64
}

// Summarize computes summary statistics for items at or after since.
func Summarize(items []model.SampleRecord, since time.Time) Summary {
	filtered := make([]model.SampleRecord, 0, len(items))
	for _, m := range items {
		if m.Timestamp.After(since) || m.Timestamp.Equal(since) {
			filtered = append(filtered, m)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	xs := make([]float64, len(filtered))
	ys := make([]float64, len(filtered))
	zs := make([]float64, len(filtered))
	magnitudes := make([]float64, len(filtered))
	from := filtered[0].Timestamp
	to := filtered[0].Timestamp

	for i, m := range filtered {
		xs[i], ys[i], zs[i] = m.AccelX, m.AccelY, m.AccelZ
		magnitudes[i] = math.Sqrt(m.AccelX*m.AccelX + m.AccelY*m.AccelY + m.AccelZ*m.AccelZ)
		if m.Timestamp.Before(from) {
			from = m.Timestamp
		}
		if m.Timestamp.After(to) {
			to = m.Timestamp
		}
	}

	sort.Float64s(magnitudes)

	return Summary{
		Count:        len(filtered),
		From:         from,
		To:           to,
		X:            summarizeAxis(xs),
		Y:            summarizeAxis(ys),
		Z:            summarizeAxis(zs),
		P95Magnitude: percentile(magnitudes, 0.95),
	}
}

func summarizeAxis(values []float64) Axis {
	var sum, sumSq float64
	minV := math.MaxFloat64
	maxV := -math.MaxFloat64
	for _, v := range values {
		sum += v
		sumSq += v * v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	count := float64(len(values))
	return Axis{
		Mean: sum / count,
		RMS:  math.Sqrt(sumSq / count),
		Min:  minV,
		Max:  maxV,
		Peak: math.Max(math.Abs(minV), math.Abs(maxV)),
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
