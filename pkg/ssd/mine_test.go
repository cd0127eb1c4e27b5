package ssd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func mine(t *testing.T, confLoss []float32, positive []bool, negPosRatio float32) []int {
	hard, err := MineHardNegatives(confLoss, positive, negPosRatio)
	require.NoError(t, err)
	return hard
}

func TestMineHardNegatives(t *testing.T) {
	// 2 positives (with very high loss, which must be ignored), and 10 negatives
	confLoss := []float32{100, 0.1, 0.9, 0.3, 0.8, 100, 0.2, 0.7, 0.4, 0.6, 0.5, 0.05}
	positive := make([]bool, len(confLoss))
	positive[0] = true
	positive[5] = true

	require.Equal(t, []int{2, 4, 7, 9, 10, 8}, mine(t, confLoss, positive, 3))
}

func TestMineHardNegativesTies(t *testing.T) {
	confLoss := []float32{1, 1, 1, 1, 1}
	positive := []bool{false, false, true, false, false}
	require.Equal(t, []int{0, 1, 3}, mine(t, confLoss, positive, 3))
}

func TestMineHardNegativesClamp(t *testing.T) {
	confLoss := []float32{1, 2, 3, 4}
	positive := []bool{true, true, false, false}
	// 3*2 = 6, but only 2 negatives exist
	require.Equal(t, []int{3, 2}, mine(t, confLoss, positive, 3))
	// floor(0.4 * 2) = 0
	require.Empty(t, mine(t, confLoss, positive, 0.4))
	// floor(0.75 * 2) = 1
	require.Equal(t, []int{3}, mine(t, confLoss, positive, 0.75))
}

func TestMineHardNegativesNoPositives(t *testing.T) {
	confLoss := []float32{1, 2, 3}
	require.Empty(t, mine(t, confLoss, make([]bool, 3), 3))
}

func TestMineHardNegativesLengthMismatch(t *testing.T) {
	_, err := MineHardNegatives([]float32{1, 2, 3}, []bool{true, false}, 3)
	require.True(t, errors.Is(err, ErrShapeMismatch), "%v", err)
	_, err = MineHardNegatives([]float32{1}, []bool{true, false}, 3)
	require.True(t, errors.Is(err, ErrShapeMismatch), "%v", err)
}

func TestMineHardNegativesDoesNotMutate(t *testing.T) {
	confLoss := []float32{0.5, 0.1, 0.9}
	positive := []bool{true, false, false}
	mine(t, confLoss, positive, 3)
	require.Equal(t, []float32{0.5, 0.1, 0.9}, confLoss)
	require.Equal(t, []bool{true, false, false}, positive)
}
