package augment

import (
	"image"
	"image/color"
	"math/rand/v2"
	"testing"

	"github.com/cyclopcam/multibox/pkg/ssd"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 100, A: 255})
		}
	}
	return img
}

func TestNormalizeBoxes(t *testing.T) {
	boxes := []ssd.Box{{10, 20, 50, 80}}
	norm, err := NormalizeBoxes(boxes, 100, 200)
	require.NoError(t, err)
	require.Equal(t, ssd.Box{0.1, 0.1, 0.5, 0.4}, norm[0])
	require.Equal(t, ssd.Box{10, 20, 50, 80}, boxes[0])

	_, err = NormalizeBoxes(boxes, 0, 10)
	require.Error(t, err)
}

func TestFlipBoxes(t *testing.T) {
	boxes := []ssd.Box{{10, 20, 30, 40}}
	flipped := FlipBoxes(boxes, 100)
	require.Equal(t, ssd.Box{69, 20, 89, 40}, flipped[0])
	// Input is untouched
	require.Equal(t, ssd.Box{10, 20, 30, 40}, boxes[0])
	// Flipping twice is the identity
	require.Equal(t, boxes, FlipBoxes(flipped, 100))
}

func TestXYWHToBoundary(t *testing.T) {
	require.Equal(t, ssd.Box{1, 2, 4, 6}, XYWHToBoundary(1, 2, 3, 4))
}

func TestFlipImage(t *testing.T) {
	img := testImage(8, 4)
	flipped := FlipImage(img)
	require.Equal(t, img.NRGBAAt(0, 1), flipped.NRGBAAt(7, 1))
	require.Equal(t, img.NRGBAAt(7, 3), flipped.NRGBAAt(0, 3))
}

func TestColorJitter(t *testing.T) {
	img := testImage(16, 16)
	orig := image.NewNRGBA(img.Rect)
	copy(orig.Pix, img.Pix)

	a := ColorJitter(img, rand.New(rand.NewPCG(1, 2)), DefaultJitter)
	b := ColorJitter(img, rand.New(rand.NewPCG(1, 2)), DefaultJitter)
	require.Equal(t, img.Rect, a.Bounds())
	require.Equal(t, a, b)
	require.Equal(t, orig.Pix, img.Pix)

	// No distortion produces an identical copy
	same := ColorJitter(img, rand.New(rand.NewPCG(1, 2)), Jitter{})
	require.Equal(t, img.Pix, same.(*image.NRGBA).Pix)
}

func TestNewSample(t *testing.T) {
	img := testImage(200, 100)
	boxes := []ssd.Box{{0, 0, 99, 49}, {100, 50, 199, 99}}
	opt := NewSampleOptions(32, 7)
	opt.Label = 3

	tensor, gt, err := NewSample(img, boxes, opt)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 32, 32}, []int(tensor.Shape()))
	require.Equal(t, []int{3, 3}, gt.Labels)
	require.NoError(t, gt.Validate(4))

	// Flipped: the first box now occupies the right half
	require.InDelta(t, 100.0/200, gt.Boxes[0][0], 1e-6)
	require.InDelta(t, 199.0/200, gt.Boxes[0][2], 1e-6)
	require.InDelta(t, 0.0, gt.Boxes[1][0], 1e-6)

	// Input boxes are untouched
	require.Equal(t, ssd.Box{0, 0, 99, 49}, boxes[0])

	_, _, err = NewSample(img, boxes, SampleOptions{Size: 32, Jitter: &DefaultJitter})
	require.Error(t, err)
}
