// Package augment prepares training samples for the SSD loss: geometric transforms of
// images and their boxes, photometric distortion, and conversion to a normalized tensor.
// Every function returns new values, and leaves its inputs untouched.
package augment

import (
	"fmt"

	"github.com/cyclopcam/multibox/pkg/ssd"
)

// NormalizeBoxes converts boundary boxes from pixels to fractions of the image size
func NormalizeBoxes(boxes []ssd.Box, width, height int) ([]ssd.Box, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("Invalid image size %v x %v", width, height)
	}
	w := float32(width)
	h := float32(height)
	out := make([]ssd.Box, len(boxes))
	for i, b := range boxes {
		out[i] = ssd.Box{b[0] / w, b[1] / h, b[2] / w, b[3] / h}
	}
	return out, nil
}

// FlipBoxes mirrors boundary boxes (in pixels) horizontally, in an image of the given width.
// Pixel x maps to width - x - 1, and xmin and xmax trade places so that the box stays upright.
func FlipBoxes(boxes []ssd.Box, width int) []ssd.Box {
	w := float32(width)
	out := make([]ssd.Box, len(boxes))
	for i, b := range boxes {
		out[i] = ssd.Box{w - b[2] - 1, b[1], w - b[0] - 1, b[3]}
	}
	return out
}

// Convert a box in (x, y, width, height) form to boundary form
func XYWHToBoundary(x, y, w, h float32) ssd.Box {
	return ssd.Box{x, y, x + w, y + h}
}
