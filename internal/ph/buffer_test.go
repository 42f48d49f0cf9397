package ph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimmedMean(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want float64
	}{
		{name: "empty", in: nil, want: 0},
		{name: "short plain mean", in: []float64{1, 2, 3, 10}, want: 4},
		{name: "drops one min and one max", in: []float64{6, 6, 6, 6, 6, 6, 6, 6, 6, 9}, want: 6},
		{name: "five values", in: []float64{1, 2, 3, 4, 100}, want: 3},
		{name: "duplicated extremes drop only one each", in: []float64{1, 1, 5, 9, 9}, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, TrimmedMean(tc.in), 1e-12)
		})
	}
}

func TestTrimmedMean_OrderInvariant(t *testing.T) {
	a := []float64{7.1, 6.8, 7.4, 6.9, 7.0, 8.2, 6.1}
	b := []float64{8.2, 6.1, 7.0, 6.9, 7.4, 6.8, 7.1}
	assert.InDelta(t, TrimmedMean(a), TrimmedMean(b), 1e-12)
}

func TestSampleBuffer_BatchesNotSliding(t *testing.T) {
	b := NewSampleBuffer(5)
	for i := 0; i < 4; i++ {
		_, ok := b.Add(float64(i))
		require.False(t, ok)
	}
	mean, ok := b.Add(4)
	require.True(t, ok)
	assert.InDelta(t, 2.0, mean, 1e-12)
	assert.Equal(t, 0, b.Len())

	// A fresh batch: earlier samples must not leak into the next mean.
	for i := 0; i < 4; i++ {
		_, ok = b.Add(10)
		require.False(t, ok)
	}
	mean, ok = b.Add(10)
	require.True(t, ok)
	assert.Equal(t, 10.0, mean)
}
