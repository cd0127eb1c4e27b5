package ssd

import (
	"github.com/chewxy/math32"
	"github.com/cyclopcam/multibox/pkg/gen"
)

// Box is a 4-tuple of coordinates, normalized to [0,1] image fractions.
// Boxes are held in one of two forms, and every function says which form it expects:
//
//	boundary:    (xmin, ymin, xmax, ymax)
//	center-size: (cx, cy, width, height)
type Box [4]float32

// Convert a boundary box to center-size form
func ToCenterSize(b Box) Box {
	return Box{
		(b[0] + b[2]) / 2,
		(b[1] + b[3]) / 2,
		b[2] - b[0],
		b[3] - b[1],
	}
}

// Convert a center-size box to boundary form
func ToBoundary(c Box) Box {
	return Box{
		c[0] - c[2]/2,
		c[1] - c[3]/2,
		c[0] + c[2]/2,
		c[1] + c[3]/2,
	}
}

// Area of a boundary box. Inverted boxes have zero area.
func Area(b Box) float32 {
	return max(0, b[2]-b[0]) * max(0, b[3]-b[1])
}

// Intersection area of two boundary boxes
func Intersection(a, b Box) float32 {
	w := min(a[2], b[2]) - max(a[0], b[0])
	h := min(a[3], b[3]) - max(a[1], b[1])
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU is the Intersection over Union of two boundary boxes.
// A zero-area box has an IoU of zero with everything, including itself.
func IoU(a, b Box) float32 {
	inter := Intersection(a, b)
	if inter == 0 {
		return 0
	}
	union := Area(a) + Area(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// JaccardOverlap returns the IoU of every pair of boundary boxes in a and b.
// The result has len(a) rows and len(b) columns.
func JaccardOverlap(a, b []Box) [][]float32 {
	flat := make([]float32, len(a)*len(b))
	overlap := make([][]float32, len(a))
	for i := range a {
		row := flat[i*len(b) : (i+1)*len(b)]
		for j := range b {
			row[j] = IoU(a[i], b[j])
		}
		overlap[i] = row
	}
	return overlap
}

// Box sizes are clamped to at least this before dividing or taking a log,
// so that degenerate boxes cannot produce Inf or NaN offsets.
const minBoxSize = 1e-6

// Variance scales the encoded offsets. The classic SSD values are (0.1, 0.1, 0.2, 0.2),
// which is Variance{XY: 0.1, WH: 0.2}. Encode and Decode must use the same Variance.
type Variance struct {
	XY float32 // Divides the center offset
	WH float32 // Divides the log size ratio
}

var DefaultVariance = Variance{XY: 0.1, WH: 0.2}

// Encode a center-size box relative to a center-size prior:
//
//	g_xy = (box.c - prior.c) / prior.size / XY
//	g_wh = log(box.size / prior.size) / WH
func (v Variance) Encode(box, prior Box) Box {
	pw := max(prior[2], minBoxSize)
	ph := max(prior[3], minBoxSize)
	bw := max(box[2], minBoxSize)
	bh := max(box[3], minBoxSize)
	return Box{
		(box[0] - prior[0]) / pw / v.XY,
		(box[1] - prior[1]) / ph / v.XY,
		math32.Log(bw/pw) / v.WH,
		math32.Log(bh/ph) / v.WH,
	}
}

// Decode is the inverse of Encode, returning a center-size box
func (v Variance) Decode(offset, prior Box) Box {
	pw := max(prior[2], minBoxSize)
	ph := max(prior[3], minBoxSize)
	return Box{
		offset[0]*v.XY*pw + prior[0],
		offset[1]*v.XY*ph + prior[1],
		math32.Exp(offset[2]*v.WH) * pw,
		math32.Exp(offset[3]*v.WH) * ph,
	}
}

// Clip a boundary box to the unit square
func Clip(b Box) Box {
	for i := range b {
		b[i] = gen.Clamp(b[i], 0, 1)
	}
	return b
}
