package ph

// SampleBuffer collects a fixed batch of readings. It is not a sliding
// window: when the batch fills, its trimmed mean is produced and the index
// wraps to zero.
type SampleBuffer struct {
	samples []float64
	n       int
}

func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleBuffer{samples: make([]float64, capacity)}
}

func (b *SampleBuffer) Cap() int { return len(b.samples) }

// Len is the number of samples in the pending batch.
func (b *SampleBuffer) Len() int { return b.n }

// Add appends v. When that completes the batch it returns the batch's
// trimmed mean and true.
func (b *SampleBuffer) Add(v float64) (float64, bool) {
	b.samples[b.n] = v
	b.n++
	if b.n < len(b.samples) {
		return 0, false
	}
	b.n = 0
	return TrimmedMean(b.samples), true
}

// Reset drops the pending batch.
func (b *SampleBuffer) Reset() { b.n = 0 }

// TrimmedMean discards one minimum and one maximum and averages the rest.
// Fewer than five values are averaged plainly.
func TrimmedMean(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sum := 0.0
	if n < 5 {
		for _, x := range xs {
			sum += x
		}
		return sum / float64(n)
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs {
		sum += x
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return (sum - lo - hi) / float64(n-2)
}
