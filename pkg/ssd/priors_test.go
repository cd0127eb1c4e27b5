package ssd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSSD300Priors(t *testing.T) {
	c := DefaultConfig300(21)
	require.NoError(t, c.Validate())
	require.Equal(t, 8732, c.NumPriors())

	ps, err := NewPriorSet(c.FeatureMaps)
	require.NoError(t, err)
	require.Equal(t, 8732, ps.Len())

	layout := ps.Layout()
	require.Len(t, layout, 6)
	counts := []int{5776, 2166, 600, 150, 36, 4}
	offset := 0
	for i, s := range layout {
		require.Equal(t, counts[i], s.Count, s.Name)
		require.Equal(t, offset, s.Offset, s.Name)
		offset += s.Count
	}

	for i := 0; i < ps.Len(); i++ {
		for _, v := range ps.CenterSize(i) {
			require.GreaterOrEqual(t, v, float32(0))
			require.LessOrEqual(t, v, float32(1))
		}
	}
}

func TestPriorOrder(t *testing.T) {
	maps := []FeatureMap{
		{Name: "a", GridDim: 2, BaseScale: 0.2, AspectRatios: []float32{2}, ExtraScale: 0.3},
	}
	ps, err := NewPriorSet(maps)
	require.NoError(t, err)
	require.Equal(t, 8, ps.Len())

	// Cell (row 0, col 1) comes second, and the extra square prior is first within the cell
	requireBoxInDelta(t, Box{0.75, 0.25, 0.3, 0.3}, ps.CenterSize(2), 1e-6)
	requireBoxInDelta(t, Box{0.75, 0.25, 0.2 * 1.4142135, 0.2 / 1.4142135}, ps.CenterSize(3), 1e-6)
	// Row 1, col 0
	requireBoxInDelta(t, Box{0.25, 0.75, 0.3, 0.3}, ps.CenterSize(4), 1e-6)
	requireBoxInDelta(t, ToBoundary(ps.CenterSize(5)), ps.Boundary(5), 1e-7)
}

func TestPriorClamping(t *testing.T) {
	ps, err := NewPriorSet([]FeatureMap{
		{Name: "big", GridDim: 1, BaseScale: 0.9, AspectRatios: []float32{3}, ExtraScale: 1.2},
	})
	require.NoError(t, err)
	// Extra prior is larger than the image, and the wide prior has w = 0.9*sqrt(3) > 1
	require.Equal(t, Box{0.5, 0.5, 1, 1}, ps.CenterSize(0))
	require.Equal(t, float32(1), ps.CenterSize(1)[2])
}

func TestPriorSetCopies(t *testing.T) {
	ps, err := NewPriorSet(DefaultConfig300(2).FeatureMaps)
	require.NoError(t, err)
	boxes := ps.CenterSizeBoxes()
	boxes[0] = Box{9, 9, 9, 9}
	require.NotEqual(t, boxes[0], ps.CenterSize(0))
	bounds := ps.BoundaryBoxes()
	require.Len(t, bounds, ps.Len())
}

func TestPriorSetInvalid(t *testing.T) {
	bad := [][]FeatureMap{
		nil,
		{{Name: "a", GridDim: 0, BaseScale: 0.1, ExtraScale: 0.1}},
		{{Name: "a", GridDim: 2, BaseScale: 0, ExtraScale: 0.1}},
		{{Name: "a", GridDim: 2, BaseScale: 0.1, ExtraScale: 0.1, AspectRatios: []float32{-1}}},
		{{Name: "a", GridDim: 2, BaseScale: 0.1, ExtraScale: 0.1, AspectRatios: []float32{2}, PriorsPerCell: 3}},
		{{Name: "a", GridDim: 2, BaseScale: 0.1, ExtraScale: 0.1}, {Name: "a", GridDim: 1, BaseScale: 0.1, ExtraScale: 0.1}},
	}
	for i, maps := range bad {
		_, err := NewPriorSet(maps)
		require.Error(t, err, "case %v", i)
		require.True(t, errors.Is(err, ErrConfiguration), "case %v: %v", i, err)
	}
}
