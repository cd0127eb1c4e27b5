package ssd

import (
	"fmt"
)

// FlattenPredictions turns the per-scale NCHW head outputs into Predictions in PriorSet order.
// For scale s, the prior at cell (y, x) with index k inside the cell reads its offsets from
// channels k*4..k*4+3, and its class scores from channels k*numClasses..(k+1)*numClasses-1.
// This is the same as permuting each tensor to NHWC and concatenating along the prior axis.
//
// Every shape is checked against the PriorSet, including the channel counts of the feature
// maps when the config specifies them.
func FlattenPredictions(out *NetworkOutput, priors *PriorSet, numClasses int) (*Predictions, error) {
	layout := priors.layout
	if len(out.Locs) != len(layout) || len(out.Scores) != len(layout) {
		return nil, fmt.Errorf("%w: network produced %v location and %v score tensors, but there are %v feature maps",
			ErrShapeMismatch, len(out.Locs), len(out.Scores), len(layout))
	}
	if out.FeatureMaps != nil && len(out.FeatureMaps) != len(layout) {
		return nil, fmt.Errorf("%w: network produced %v feature maps, expected %v", ErrShapeMismatch, len(out.FeatureMaps), len(layout))
	}

	batch := -1
	checkShape := func(what string, s ScaleLayout, shape []int, channels int) error {
		if batch == -1 {
			batch = shape[0]
		}
		if shape[0] != batch {
			return fmt.Errorf("%w: %v of %v has batch size %v, expected %v", ErrShapeMismatch, what, s.Name, shape[0], batch)
		}
		if shape[2] != s.GridDim || shape[3] != s.GridDim {
			return fmt.Errorf("%w: %v of %v is %vx%v, expected %vx%v", ErrShapeMismatch, what, s.Name, shape[2], shape[3], s.GridDim, s.GridDim)
		}
		if channels != 0 && shape[1] != channels {
			return fmt.Errorf("%w: %v of %v has %v channels, expected %v", ErrShapeMismatch, what, s.Name, shape[1], channels)
		}
		return nil
	}

	locData := make([][]float32, len(layout))
	scoreData := make([][]float32, len(layout))
	for i, s := range layout {
		if out.FeatureMaps != nil {
			_, shape, err := denseNCHW(out.FeatureMaps[i])
			if err != nil {
				return nil, fmt.Errorf("feature map %v: %w", s.Name, err)
			}
			if err := checkShape("feature map", s, shape, s.Channels); err != nil {
				return nil, err
			}
		}
		loc, shape, err := denseNCHW(out.Locs[i])
		if err != nil {
			return nil, fmt.Errorf("locations of %v: %w", s.Name, err)
		}
		if err := checkShape("locations", s, shape, s.PriorsPerCell*4); err != nil {
			return nil, err
		}
		score, shape, err := denseNCHW(out.Scores[i])
		if err != nil {
			return nil, fmt.Errorf("scores of %v: %w", s.Name, err)
		}
		if err := checkShape("scores", s, shape, s.PriorsPerCell*numClasses); err != nil {
			return nil, err
		}
		locData[i] = loc
		scoreData[i] = score
	}

	preds := NewPredictions(batch, priors.Len(), numClasses)
	for b := 0; b < batch; b++ {
		for i, s := range layout {
			plane := s.GridDim * s.GridDim
			locBase := b * s.PriorsPerCell * 4 * plane
			scoreBase := b * s.PriorsPerCell * numClasses * plane
			for pos := 0; pos < plane; pos++ {
				for k := 0; k < s.PriorsPerCell; k++ {
					prior := s.Offset + pos*s.PriorsPerCell + k
					for j := 0; j < 4; j++ {
						preds.Locs[b][prior][j] = locData[i][locBase+(k*4+j)*plane+pos]
					}
					dst := preds.ClassScores(b, prior)
					for c := 0; c < numClasses; c++ {
						dst[c] = scoreData[i][scoreBase+(k*numClasses+c)*plane+pos]
					}
				}
			}
		}
	}
	return preds, nil
}
