package ssd

import (
	"fmt"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// NetworkOutput is what a backbone plus prediction head produces for a batch of images.
// All tensors are float32, row-major, in NCHW layout, with one entry per feature map
// in PriorSet order:
//
//	FeatureMaps[s]: batch x channels x g x g
//	Locs[s]:        batch x (priorsPerCell*4) x g x g
//	Scores[s]:      batch x (priorsPerCell*numClasses) x g x g
//
// FeatureMaps may be nil if the network does not expose them.
type NetworkOutput struct {
	FeatureMaps []*tensor.Dense
	Locs        []*tensor.Dense
	Scores      []*tensor.Dense
}

// Network is the backbone and prediction head, treated as a black box.
// images is batch x 3 x size x size, normalized as by ImageTensor.
type Network interface {
	Forward(images *tensor.Dense) (*NetworkOutput, error)
}

// RescaleL2Norm divides every spatial position of an NCHW feature map by the L2 norm of its
// channel vector, and multiplies channel c by scale[c]. This is the rescaling that SSD
// applies to its earliest (highest resolution) feature map. Returns a new tensor.
// Positions whose channel vector is all zeros stay zero.
func RescaleL2Norm(fm *tensor.Dense, scale []float32) (*tensor.Dense, error) {
	src, shape, err := denseNCHW(fm)
	if err != nil {
		return nil, err
	}
	batch, channels, height, width := shape[0], shape[1], shape[2], shape[3]
	if len(scale) != channels {
		return nil, fmt.Errorf("%w: %v scale factors for %v channels", ErrShapeMismatch, len(scale), channels)
	}
	dst := make([]float32, len(src))
	plane := height * width
	for b := 0; b < batch; b++ {
		base := b * channels * plane
		for pos := 0; pos < plane; pos++ {
			sumSq := float32(0)
			for c := 0; c < channels; c++ {
				v := src[base+c*plane+pos]
				sumSq += v * v
			}
			if sumSq == 0 {
				continue
			}
			inv := 1 / math32.Sqrt(sumSq)
			for c := 0; c < channels; c++ {
				i := base + c*plane + pos
				dst[i] = src[i] * inv * scale[c]
			}
		}
	}
	return tensor.New(tensor.WithShape(batch, channels, height, width), tensor.WithBacking(dst)), nil
}

// Return the float32 backing array and shape of a 4D tensor
func denseNCHW(t *tensor.Dense) ([]float32, []int, error) {
	if t == nil {
		return nil, nil, fmt.Errorf("%w: nil tensor", ErrShapeMismatch)
	}
	if t.Dtype() != tensor.Float32 {
		return nil, nil, fmt.Errorf("%w: tensor type is %v, expected float32", ErrShapeMismatch, t.Dtype())
	}
	shape := t.Shape()
	if len(shape) != 4 {
		return nil, nil, fmt.Errorf("%w: tensor shape %v is not 4D", ErrShapeMismatch, shape)
	}
	data, ok := t.Data().([]float32)
	if !ok || len(data) != shape.TotalSize() {
		return nil, nil, fmt.Errorf("%w: tensor of shape %v is not backed by a contiguous float32 array", ErrShapeMismatch, shape)
	}
	return data, []int(shape), nil
}
