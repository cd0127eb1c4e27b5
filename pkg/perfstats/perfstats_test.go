package perfstats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccumulator(t *testing.T) {
	a := Accumulator[float64]{}
	require.Equal(t, 0.0, a.Average())
	a.AddSample(1)
	a.AddSample(2)
	require.Equal(t, 1.5, a.Average())
	a.Reset()
	require.Equal(t, int64(0), a.Samples)

	ta := TimeAccumulator{}
	ta.AddSample(time.Second)
	ta.AddSample(3 * time.Second)
	require.Equal(t, 2*time.Second, ta.Average())
}

func TestLossAccumulator(t *testing.T) {
	a := LossAccumulator{}
	a.AddBatch(3, 2, 1, 10, 30, false, time.Millisecond)
	a.AddBatch(5, 4, 1, 20, 60, false, 3*time.Millisecond)
	a.AddBatch(0, 0, 0, 0, 0, true, 2*time.Millisecond)

	s := a.Summary()
	require.Equal(t, int64(3), s.Batches)
	require.Equal(t, int64(1), s.DegenerateBatches)
	require.InDelta(t, 4.0, s.Total, 1e-9)
	require.InDelta(t, 3.0, s.Classification, 1e-9)
	require.InDelta(t, 1.0, s.Localization, 1e-9)
	require.InDelta(t, 10.0, s.Positives, 1e-9)
	require.Equal(t, 2*time.Millisecond, s.TimePerBatch)
	require.Contains(t, s.String(), "3 batches (1 degenerate)")

	a.Reset()
	require.Equal(t, int64(0), a.Summary().Batches)
}

func TestLossAccumulatorConcurrent(t *testing.T) {
	a := LossAccumulator{}
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.AddBatch(1, 1, 0, 1, 3, false, time.Microsecond)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(800), a.Summary().Batches)
	require.InDelta(t, 1.0, a.Summary().Total, 1e-9)
}
