package ssd

import (
	"context"
	"fmt"
	"sync"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"golang.org/x/sync/errgroup"
)

// LossResult is the outcome of one MultiBoxLoss.Forward call
type LossResult struct {
	Total          float32 // Classification + Alpha * Localization
	Classification float32 // Cross entropy over positives and hard negatives, divided by Positives
	Localization   float32 // Mean absolute error of the positive offsets
	Positives      int     // Positive priors across the whole batch
	HardNegatives  int     // Hard negative priors across the whole batch
	Degenerate     bool    // True if Positives == 0, and the DegenerateZero policy produced a zero loss

	PositivesPerImage []int
	Assignments       []*Assignment // Matcher output for every image
}

// MultiBoxLoss is the SSD training loss.
// It matches ground truth to priors, mines hard negatives, and combines the localization
// and classification losses into a single scalar.
// Forward does not modify any shared state, so it may be called concurrently.
type MultiBoxLoss struct {
	Log logs.Log

	priors      *PriorSet
	matcher     *Matcher
	numClasses  int
	negPosRatio float32
	alpha       float32
	workers     int
	degenerate  DegeneratePolicy

	warnDegenerate sync.Once
}

// Create a new loss. The config is validated, and log must not be nil.
func NewMultiBoxLoss(log logs.Log, priors *PriorSet, config *Config) (*MultiBoxLoss, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if priors.Len() != config.NumPriors() {
		return nil, fmt.Errorf("%w: PriorSet has %v priors, but config describes %v", ErrConfiguration, priors.Len(), config.NumPriors())
	}
	degenerate := config.Degenerate
	if degenerate == "" {
		degenerate = DegenerateZero
	}
	l := &MultiBoxLoss{
		Log:         log,
		priors:      priors,
		matcher:     NewMatcher(priors, config),
		numClasses:  config.NumClasses,
		negPosRatio: config.NegPosRatio,
		alpha:       config.Alpha,
		workers:     config.NumWorkers(),
		degenerate:  degenerate,
	}
	l.Log.Infof("MultiBox loss: %v priors, %v classes, threshold %.2f, neg:pos %.1f, alpha %.2f, %v workers",
		priors.Len(), l.numClasses, l.matcher.Threshold, l.negPosRatio, l.alpha, l.workers)
	return l, nil
}

// Matcher returns the matcher that the loss uses
func (l *MultiBoxLoss) Matcher() *Matcher {
	return l.matcher
}

// The partial sums of a single image
type imageLoss struct {
	assignment    *Assignment
	positives     int
	hardNegatives int
	confPositive  float64 // Cross entropy summed over positive priors
	confNegative  float64 // Cross entropy summed over hard negative priors
	locSum        float64 // |pred - target| summed over the 4 offsets of every positive prior
}

// Forward computes the loss of a batch.
// preds must have one image per entry in groundTruth, and len(PriorSet) priors per image.
// Images are processed in parallel, but partial sums are combined in image order, so the
// result does not depend on scheduling.
func (l *MultiBoxLoss) Forward(ctx context.Context, preds *Predictions, groundTruth []GroundTruth) (*LossResult, error) {
	if preds == nil {
		return nil, fmt.Errorf("%w: no predictions", ErrShapeMismatch)
	}
	if err := preds.validate(l.priors.Len()); err != nil {
		return nil, err
	}
	if preds.NumClasses != l.numClasses {
		return nil, fmt.Errorf("%w: predictions have %v classes, loss is configured for %v", ErrShapeMismatch, preds.NumClasses, l.numClasses)
	}
	if preds.BatchSize() != len(groundTruth) {
		return nil, fmt.Errorf("%w: %v predicted images, but %v ground truth images", ErrShapeMismatch, preds.BatchSize(), len(groundTruth))
	}

	partial := make([]imageLoss, len(groundTruth))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i := range groundTruth {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := l.imageForward(preds, i, groundTruth[i], &partial[i]); err != nil {
				return fmt.Errorf("image %v: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &LossResult{
		PositivesPerImage: make([]int, len(partial)),
		Assignments:       make([]*Assignment, len(partial)),
	}
	var confSum, locSum float64
	for i := range partial {
		p := &partial[i]
		result.Positives += p.positives
		result.HardNegatives += p.hardNegatives
		result.PositivesPerImage[i] = p.positives
		result.Assignments[i] = p.assignment
		confSum += p.confPositive + p.confNegative
		locSum += p.locSum
	}

	if result.Positives == 0 {
		if l.degenerate == DegenerateError {
			return nil, ErrDegenerateBatch
		}
		l.warnDegenerate.Do(func() {
			l.Log.Warnf("Batch has no positive priors. Returning zero loss (this warning is only shown once)")
		})
		result.Degenerate = true
		return result, nil
	}

	nPos := float64(result.Positives)
	result.Classification = float32(confSum / nPos)
	result.Localization = float32(locSum / (4 * nPos))
	result.Total = result.Classification + l.alpha*result.Localization
	return result, nil
}

func (l *MultiBoxLoss) imageForward(preds *Predictions, img int, gt GroundTruth, out *imageLoss) error {
	a, err := l.matcher.Match(gt)
	if err != nil {
		return err
	}
	out.assignment = a

	n := l.priors.Len()
	locs := preds.Locs[img]
	confLoss := make([]float32, n)
	positive := make([]bool, n)
	for p := 0; p < n; p++ {
		ce, err := crossEntropy(preds.ClassScores(img, p), a.Label[p])
		if err != nil {
			return fmt.Errorf("prior %v: %w", p, err)
		}
		confLoss[p] = ce
		if a.Label[p] == 0 {
			continue
		}
		positive[p] = true
		out.positives++
		out.confPositive += float64(ce)
		for k := 0; k < 4; k++ {
			if !isFinite(locs[p][k]) {
				return fmt.Errorf("%w: location of prior %v: %v", ErrNonFinite, p, locs[p])
			}
			out.locSum += float64(math32.Abs(locs[p][k] - a.Target[p][k]))
		}
	}

	hard, err := MineHardNegatives(confLoss, positive, l.negPosRatio)
	if err != nil {
		return err
	}
	out.hardNegatives = len(hard)
	for _, p := range hard {
		out.confNegative += float64(confLoss[p])
	}
	return nil
}

// crossEntropy returns -log(softmax(logits)[label]), computed with the log-sum-exp trick
// so that large logits do not overflow.
func crossEntropy(logits []float32, label int) (float32, error) {
	maxLogit := logits[0]
	for _, v := range logits {
		if !isFinite(v) {
			return 0, fmt.Errorf("%w: class scores %v", ErrNonFinite, logits)
		}
		maxLogit = max(maxLogit, v)
	}
	sum := float32(0)
	for _, v := range logits {
		sum += math32.Exp(v - maxLogit)
	}
	return maxLogit + math32.Log(sum) - logits[label], nil
}
