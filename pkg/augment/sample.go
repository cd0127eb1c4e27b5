package augment

import (
	"fmt"
	"image"
	"math/rand/v2"

	"github.com/cyclopcam/multibox/pkg/ssd"
	"gorgonia.org/tensor"
)

// SampleOptions controls how NewSample transforms an image
type SampleOptions struct {
	Size   int        // Output is Size x Size
	Flip   bool       // Mirror the image and its boxes horizontally
	Jitter *Jitter    // Photometric distortion. nil disables it
	Rand   *rand.Rand // Required if Jitter is not nil
	Label  int        // Class given to every box. Zero means 1
}

// Create SampleOptions for an SSD training image of the given size
func NewSampleOptions(size int, seed uint64) SampleOptions {
	return SampleOptions{
		Size:   size,
		Flip:   true,
		Jitter: &DefaultJitter,
		Rand:   rand.New(rand.NewPCG(seed, seed)),
		Label:  1,
	}
}

// NewSample turns an image and its boxes (boundary form, in pixels) into a
// 1 x 3 x Size x Size tensor and the matching normalized GroundTruth.
// The image is optionally flipped, then resized, then distorted, then normalized.
func NewSample(img image.Image, boxes []ssd.Box, opt SampleOptions) (*tensor.Dense, ssd.GroundTruth, error) {
	if opt.Size <= 0 {
		return nil, ssd.GroundTruth{}, fmt.Errorf("Invalid sample size %v", opt.Size)
	}
	if opt.Jitter != nil && opt.Rand == nil {
		return nil, ssd.GroundTruth{}, fmt.Errorf("Jitter requires a random source")
	}
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()

	var out image.Image = img
	if opt.Flip {
		out = FlipImage(out)
		boxes = FlipBoxes(boxes, width)
	}
	out = ResizeImage(out, opt.Size, opt.Size)
	norm, err := NormalizeBoxes(boxes, width, height)
	if err != nil {
		return nil, ssd.GroundTruth{}, err
	}
	if opt.Jitter != nil {
		out = ColorJitter(out, opt.Rand, *opt.Jitter)
	}
	t, err := ssd.ImageTensor([]image.Image{out}, opt.Size)
	if err != nil {
		return nil, ssd.GroundTruth{}, err
	}

	label := opt.Label
	if label == 0 {
		label = 1
	}
	gt := ssd.GroundTruth{
		Boxes:  norm,
		Labels: make([]int, len(norm)),
	}
	for i := range gt.Labels {
		gt.Labels[i] = label
	}
	return t, gt, nil
}
