package monitoring

import (
	"math"
	"sort"
)

// MedianTolerancePct is the relative distance an interval may have from a
// bucket reference and still join that bucket.
const MedianTolerancePct = 0.25

// Sample is one inter-arrival interval observed at TS.
type Sample struct {
	TS    float64 `json:"ts"`
	Value float64 `json:"value"`
}

// IntervalWindow is a bounded FIFO of inter-arrival intervals.
type IntervalWindow struct {
	Size    int      `json:"size"`
	Samples []Sample `json:"samples,omitempty"`
}

// NewIntervalWindow returns an empty window holding at most size samples.
func NewIntervalWindow(size int) IntervalWindow {
	return IntervalWindow{Size: size}
}

// Push appends an interval and evicts the oldest ones beyond Size.
func (w *IntervalWindow) Push(ts, value float64) {
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	w.Samples = append(w.Samples, Sample{TS: ts, Value: value})
	if w.Size > 0 && len(w.Samples) > w.Size {
		w.Samples = append([]Sample(nil), w.Samples[len(w.Samples)-w.Size:]...)
	}
}

// Resize changes the capacity, dropping the oldest samples when shrinking.
func (w *IntervalWindow) Resize(size int) {
	w.Size = size
	if size > 0 && len(w.Samples) > size {
		w.Samples = append([]Sample(nil), w.Samples[len(w.Samples)-size:]...)
	}
}

// PruneBefore drops samples observed before cutoff.
func (w *IntervalWindow) PruneBefore(cutoff float64) int {
	kept := w.Samples[:0]
	dropped := 0
	for _, s := range w.Samples {
		if s.TS < cutoff {
			dropped++
			continue
		}
		kept = append(kept, s)
	}
	w.Samples = kept
	return dropped
}

// Values returns the interval values in arrival order.
func (w IntervalWindow) Values() []float64 {
	values := make([]float64, len(w.Samples))
	for i, s := range w.Samples {
		values[i] = s.Value
	}
	return values
}

// Len returns the number of retained samples.
func (w IntervalWindow) Len() int {
	return len(w.Samples)
}

// Median returns the plain median of the retained samples.
func (w IntervalWindow) Median() (float64, bool) {
	return Median(w.Values())
}

// Bucket is a cluster of intervals within tolerance of its running median.
type Bucket struct {
	Reference float64   `json:"reference"`
	Samples   []float64 `json:"samples"`
	LastIndex int       `json:"last_index"`
}

// AdaptiveMedian is the representative interval of a window.
type AdaptiveMedian struct {
	MedianSec   float64 `json:"median_interval_sec"`
	SampleCount int     `json:"sample_count"`
	Buckets     int     `json:"buckets"`
}

// TolerancePartition groups values into tolerance buckets in arrival order.
func TolerancePartition(values []float64) []Bucket {
	var buckets []Bucket
	for i, value := range values {
		if value <= 0 {
			continue
		}
		best := -1
		bestRatio := math.Inf(1)
		for j := range buckets {
			ref := buckets[j].Reference
			if ref <= 0 {
				continue
			}
			ratio := math.Abs(value-ref) / ref
			if ratio <= MedianTolerancePct && ratio < bestRatio {
				best = j
				bestRatio = ratio
			}
		}
		if best < 0 {
			buckets = append(buckets, Bucket{Reference: value, Samples: []float64{value}, LastIndex: i})
			continue
		}
		b := &buckets[best]
		b.Samples = append(b.Samples, value)
		b.LastIndex = i
		if m, ok := Median(b.Samples); ok {
			b.Reference = m
		}
	}
	return buckets
}

// ComputeAdaptiveMedian picks the most populated bucket (ties go to the most
// recently extended one) and returns its median.
func ComputeAdaptiveMedian(values []float64) (AdaptiveMedian, bool) {
	buckets := TolerancePartition(values)
	if len(buckets) == 0 {
		return AdaptiveMedian{}, false
	}
	rep := 0
	for i := 1; i < len(buckets); i++ {
		b := buckets[i]
		r := buckets[rep]
		if len(b.Samples) > len(r.Samples) || (len(b.Samples) == len(r.Samples) && b.LastIndex > r.LastIndex) {
			rep = i
		}
	}
	median, _ := Median(buckets[rep].Samples)
	return AdaptiveMedian{
		MedianSec:   median,
		SampleCount: len(buckets[rep].Samples),
		Buckets:     len(buckets),
	}, true
}

// Median returns the median of values without modifying the input.
func Median(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return (sorted[mid-1] + sorted[mid]) / 2, true
}
