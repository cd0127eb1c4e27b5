package ssd

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/cyclopcam/multibox/pkg/gen"
)

// MineHardNegatives picks the negative priors with the highest classification loss.
//
// The number picked is floor(negPosRatio * nPositives), limited to the number of negatives
// that exist. Positive priors are never picked. The result is ordered from hardest to
// easiest, and ties are broken by the lower prior index.
//
// If there are no positive priors, nothing is picked, so such an image contributes no
// classification loss at all.
func MineHardNegatives(confLoss []float32, positive []bool, negPosRatio float32) ([]int, error) {
	if len(confLoss) != len(positive) {
		return nil, fmt.Errorf("%w: %v losses, but %v positive flags", ErrShapeMismatch, len(confLoss), len(positive))
	}
	nPos := gen.Count(positive)
	if nPos == 0 {
		return nil, nil
	}
	negatives := make([]int, 0, len(confLoss)-nPos)
	for i := range confLoss {
		if !positive[i] {
			negatives = append(negatives, i)
		}
	}
	nHard := min(int(negPosRatio*float32(nPos)), len(negatives))
	if nHard <= 0 {
		return nil, nil
	}
	// Stable sort keeps ascending prior index within equal losses
	slices.SortStableFunc(negatives, func(a, b int) int {
		return cmp.Compare(confLoss[b], confLoss[a])
	})
	return negatives[:nHard:nHard], nil
}
