package ssd

import (
	"errors"
	"testing"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/multibox/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestNonMaxSuppression(t *testing.T) {
	dets := []Detection{
		{Class: 1, Confidence: 0.6, Box: Box{0.1, 0.1, 0.5, 0.5}},
		{Class: 1, Confidence: 0.9, Box: Box{0.12, 0.1, 0.52, 0.5}}, // suppresses 0
		{Class: 2, Confidence: 0.8, Box: Box{0.1, 0.1, 0.5, 0.5}},   // different class
		{Class: 1, Confidence: 0.7, Box: Box{0.6, 0.6, 0.9, 0.9}},   // far away
		{Class: 1, Confidence: 0.7, Box: Box{0.6, 0.6, 0.9, 0.91}},  // tie with 3, loses on index
	}
	require.Equal(t, []int{1, 2, 3}, NonMaxSuppression(dets, 0.45))
	// A threshold of 1 suppresses nothing
	require.Equal(t, []int{1, 2, 3, 4, 0}, NonMaxSuppression(dets, 1))
	require.Empty(t, NonMaxSuppression(nil, 0.5))
}

// Predictions where prior 'hit' is confidently class 'class', with the given encoded offset,
// and every other prior is confidently background.
func onePriorPredictions(ps *PriorSet, numClasses, hit, class int, offset Box) *Predictions {
	preds := NewPredictions(1, ps.Len(), numClasses)
	for p := 0; p < ps.Len(); p++ {
		preds.ClassScores(0, p)[0] = 10
	}
	s := preds.ClassScores(0, hit)
	s[0] = 0
	s[class] = 10
	preds.Locs[0][hit] = offset
	return preds
}

func TestDecode(t *testing.T) {
	c := tinyConfig()
	ps, err := NewPriorSet(c.FeatureMaps)
	require.NoError(t, err)
	d := NewDecoder(ps, c)

	target := Box{0.3, 0.35, 0.6, 0.7}
	offset := d.Variance.Encode(ToCenterSize(target), ps.CenterSize(6))
	preds := onePriorPredictions(ps, c.NumClasses, 6, 2, offset)

	dets, err := d.Decode(preds.Locs[0], preds.Scores[0], nn.NewDetectionParams())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, 2, dets[0].Class)
	require.Greater(t, dets[0].Confidence, float32(0.99))
	requireBoxInDelta(t, target, dets[0].Box, 1e-5)
}

func TestDecodeClipping(t *testing.T) {
	c := tinyConfig()
	ps, err := NewPriorSet(c.FeatureMaps)
	require.NoError(t, err)
	d := NewDecoder(ps, c)

	// Prior 0 has a boundary box that extends beyond the image
	preds := onePriorPredictions(ps, c.NumClasses, 0, 1, Box{})
	dets, err := d.Decode(preds.Locs[0], preds.Scores[0], nil)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	requireBoxInDelta(t, Box{0, 0, 0.55, 0.55}, dets[0].Box, 1e-6)

	params := nn.NewDetectionParams()
	params.Unclipped = true
	dets, err = d.Decode(preds.Locs[0], preds.Scores[0], params)
	require.NoError(t, err)
	requireBoxInDelta(t, Box{-0.05, -0.05, 0.55, 0.55}, dets[0].Box, 1e-6)
}

func TestDecodeThresholdAndLimit(t *testing.T) {
	c := tinyConfig()
	ps, err := NewPriorSet(c.FeatureMaps)
	require.NoError(t, err)
	d := NewDecoder(ps, c)

	// Uniform scores: every class has probability 1/3
	preds := NewPredictions(1, ps.Len(), c.NumClasses)
	params := nn.NewDetectionParams()
	dets, err := d.Decode(preds.Locs[0], preds.Scores[0], params)
	require.NoError(t, err)
	require.Empty(t, dets)

	params.ProbabilityThreshold = 0.3
	params.NmsIouThreshold = 0.99
	dets, err = d.Decode(preds.Locs[0], preds.Scores[0], params)
	require.NoError(t, err)
	// 8 priors x 2 object classes, and nothing overlaps enough to be suppressed
	require.Len(t, dets, 16)

	params.MaxDetections = 5
	dets, err = d.Decode(preds.Locs[0], preds.Scores[0], params)
	require.NoError(t, err)
	require.Len(t, dets, 5)
}

func TestDecodeErrors(t *testing.T) {
	c := tinyConfig()
	ps, err := NewPriorSet(c.FeatureMaps)
	require.NoError(t, err)
	d := NewDecoder(ps, c)
	preds := NewPredictions(1, ps.Len(), c.NumClasses)

	_, err = d.Decode(preds.Locs[0][:3], preds.Scores[0], nil)
	require.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = d.Decode(preds.Locs[0], preds.Scores[0][:3], nil)
	require.True(t, errors.Is(err, ErrShapeMismatch))

	preds = onePriorPredictions(ps, c.NumClasses, 2, 1, Box{0, 0, math32.Inf(1), 0})
	_, err = d.Decode(preds.Locs[0], preds.Scores[0], nil)
	require.True(t, errors.Is(err, ErrNonFinite))

	// A decoder without any classes
	for _, nc := range []int{0, 1} {
		bare := &Decoder{Priors: ps, Variance: DefaultVariance, NumClasses: nc}
		_, err = bare.Decode(preds.Locs[0], make([]float32, ps.Len()*nc), nil)
		require.True(t, errors.Is(err, ErrConfiguration), "%v classes: %v", nc, err)
	}
}
