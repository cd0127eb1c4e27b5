package ssd

import (
	"math/rand/v2"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

func requireBoxInDelta(t *testing.T, expect, actual Box, delta float32) {
	t.Helper()
	for i := range expect {
		require.InDelta(t, expect[i], actual[i], float64(delta), "component %v of %v vs %v", i, expect, actual)
	}
}

func TestBoxFormRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	for i := 0; i < 1000; i++ {
		x1, y1 := rng.Float32(), rng.Float32()
		b := Box{x1, y1, x1 + rng.Float32(), y1 + rng.Float32()}
		requireBoxInDelta(t, b, ToBoundary(ToCenterSize(b)), 1e-5)
		c := ToCenterSize(b)
		requireBoxInDelta(t, c, ToCenterSize(ToBoundary(c)), 1e-5)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	for _, v := range []Variance{DefaultVariance, {XY: 1, WH: 1}, {XY: 0.05, WH: 0.5}} {
		for i := 0; i < 1000; i++ {
			prior := Box{rng.Float32(), rng.Float32(), 0.01 + rng.Float32(), 0.01 + rng.Float32()}
			box := Box{rng.Float32(), rng.Float32(), 0.01 + rng.Float32(), 0.01 + rng.Float32()}
			requireBoxInDelta(t, box, v.Decode(v.Encode(box, prior), prior), 1e-4)
		}
	}
}

func TestEncodeIdentity(t *testing.T) {
	p := Box{0.5, 0.5, 0.2, 0.3}
	requireBoxInDelta(t, Box{}, DefaultVariance.Encode(p, p), 1e-7)
}

func TestEncodeDegenerate(t *testing.T) {
	// Zero-size boxes and priors never produce Inf or NaN
	for _, pair := range [][2]Box{
		{{0.5, 0.5, 0, 0}, {0.5, 0.5, 0.1, 0.1}},
		{{0.5, 0.5, 0.1, 0.1}, {0.5, 0.5, 0, 0}},
		{{0.5, 0.5, 0, 0}, {0.5, 0.5, 0, 0}},
	} {
		g := DefaultVariance.Encode(pair[0], pair[1])
		for _, v := range g {
			require.False(t, math32.IsNaN(v) || math32.IsInf(v, 0), "%v", g)
		}
	}
}

func TestIoU(t *testing.T) {
	a := Box{0, 0, 1, 1}
	require.Equal(t, float32(1), IoU(a, a))

	// Disjoint, and touching along an edge
	require.Equal(t, float32(0), IoU(Box{0, 0, 0.4, 0.4}, Box{0.5, 0.5, 1, 1}))
	require.Equal(t, float32(0), IoU(Box{0, 0, 0.5, 0.5}, Box{0.5, 0, 1, 0.5}))

	// Half overlap: intersection 0.5, union 1.5
	require.InDelta(t, 1.0/3, IoU(Box{0, 0, 1, 1}, Box{0.5, 0, 1.5, 1}), 1e-6)

	// Zero area
	z := Box{0.3, 0.3, 0.3, 0.3}
	require.Equal(t, float32(0), IoU(z, z))
	require.Equal(t, float32(0), IoU(z, a))
}

func TestJaccardOverlap(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	randomBox := func() Box {
		x, y := rng.Float32(), rng.Float32()
		return Box{x, y, x + rng.Float32()*0.5, y + rng.Float32()*0.5}
	}
	a := []Box{randomBox(), randomBox(), randomBox()}
	b := []Box{randomBox(), randomBox(), randomBox(), randomBox()}
	ab := JaccardOverlap(a, b)
	ba := JaccardOverlap(b, a)
	require.Len(t, ab, 3)
	require.Len(t, ab[0], 4)
	for i := range a {
		for j := range b {
			require.Equal(t, ab[i][j], ba[j][i])
			require.GreaterOrEqual(t, ab[i][j], float32(0))
			require.LessOrEqual(t, ab[i][j], float32(1))
		}
	}
	self := JaccardOverlap(a, a)
	for i := range a {
		require.InDelta(t, 1, self[i][i], 1e-6)
	}
}

func TestClip(t *testing.T) {
	require.Equal(t, Box{0, 0.2, 1, 1}, Clip(Box{-0.5, 0.2, 1.5, 3}))
}
