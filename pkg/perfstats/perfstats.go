package perfstats

import (
	"fmt"
	"sync"
	"time"
)

type number interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

// Two scalars (N samples and X total amount), which can measure total and average values.
type Accumulator[T number] struct {
	Samples int64
	Total   T
}

func (a *Accumulator[T]) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *Accumulator[T]) AddSample(v T) {
	a.Samples++
	a.Total += v
}

func (a *Accumulator[T]) Average() float64 {
	if a.Samples == 0 {
		return 0
	}
	return float64(a.Total) / float64(a.Samples)
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Accumulator[time.Duration]
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(int64(a.Total) / a.Samples)
}

// LossAccumulator keeps running averages of the loss over many batches.
// It is safe to use from multiple goroutines.
type LossAccumulator struct {
	lock           sync.Mutex
	total          Accumulator[float64]
	classification Accumulator[float64]
	localization   Accumulator[float64]
	positives      Accumulator[int64]
	hardNegatives  Accumulator[int64]
	time           TimeAccumulator
	degenerate     int64
}

// LossSummary is a snapshot of a LossAccumulator
type LossSummary struct {
	Batches           int64
	DegenerateBatches int64
	Total             float64 // Average total loss of non-degenerate batches
	Classification    float64
	Localization      float64
	Positives         float64 // Average positives per batch
	HardNegatives     float64
	TimePerBatch      time.Duration
}

func (s LossSummary) String() string {
	return fmt.Sprintf("%v batches (%v degenerate), loss %.4f (cls %.4f, loc %.4f), %.1f positives, %.1f hard negatives, %v per batch",
		s.Batches, s.DegenerateBatches, s.Total, s.Classification, s.Localization, s.Positives, s.HardNegatives, s.TimePerBatch)
}

// AddBatch records the result of one batch.
// Degenerate batches count towards timing and positives, but not towards the loss averages,
// because their zero loss is a placeholder.
func (a *LossAccumulator) AddBatch(total, classification, localization float32, positives, hardNegatives int, degenerate bool, elapsed time.Duration) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.time.AddSample(elapsed)
	a.positives.AddSample(int64(positives))
	a.hardNegatives.AddSample(int64(hardNegatives))
	if degenerate {
		a.degenerate++
		return
	}
	a.total.AddSample(float64(total))
	a.classification.AddSample(float64(classification))
	a.localization.AddSample(float64(localization))
}

func (a *LossAccumulator) Summary() LossSummary {
	a.lock.Lock()
	defer a.lock.Unlock()
	return LossSummary{
		Batches:           a.time.Samples,
		DegenerateBatches: a.degenerate,
		Total:             a.total.Average(),
		Classification:    a.classification.Average(),
		Localization:      a.localization.Average(),
		Positives:         a.positives.Average(),
		HardNegatives:     a.hardNegatives.Average(),
		TimePerBatch:      a.time.Average(),
	}
}

func (a *LossAccumulator) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.total.Reset()
	a.classification.Reset()
	a.localization.Reset()
	a.positives.Reset()
	a.hardNegatives.Reset()
	a.time.Reset()
	a.degenerate = 0
}
