package ssd

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"gorgonia.org/tensor"
)

// Per-channel RGB statistics of ImageNet, which the backbone is expected to be trained with
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ImageTensor resizes each image to size x size, and packs them into a
// batch x 3 x size x size float32 tensor, normalized by ImageNetMean and ImageNetStd.
// The images are not modified.
func ImageTensor(imgs []image.Image, size int) (*tensor.Dense, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: image size must be positive, not %v", ErrConfiguration, size)
	}
	if len(imgs) == 0 {
		return nil, fmt.Errorf("%w: no images", ErrShapeMismatch)
	}
	plane := size * size
	data := make([]float32, len(imgs)*3*plane)
	for b, img := range imgs {
		resized := imaging.Resize(img, size, size, imaging.Linear)
		fillCHW(data[b*3*plane:(b+1)*3*plane], resized)
	}
	return tensor.New(tensor.WithShape(len(imgs), 3, size, size), tensor.WithBacking(data)), nil
}

// Write the normalized channels of img into dst, which is 3 x h x w
func fillCHW(dst []float32, img *image.NRGBA) {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) / 255
				dst[c*plane+y*w+x] = (v - ImageNetMean[c]) / ImageNetStd[c]
			}
		}
	}
}
