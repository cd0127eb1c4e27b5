package augment

import (
	"image"
	"math/rand/v2"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/disintegration/imaging"
)

// FlipImage returns a horizontally mirrored copy of img
func FlipImage(img image.Image) *image.NRGBA {
	return imaging.FlipH(img)
}

// ResizeImage returns a copy of img, stretched to width x height
func ResizeImage(img image.Image, width, height int) *image.NRGBA {
	return imaging.Resize(img, width, height, imaging.Linear)
}

// Jitter is the strength of each photometric distortion.
// Brightness, Contrast and Saturation factors are drawn from [1-x, 1+x],
// and the Hue shift from [-Hue, Hue] turns of the color wheel (Hue <= 0.5).
// A zero field disables that distortion.
type Jitter struct {
	Brightness float64
	Contrast   float64
	Saturation float64
	Hue        float64
}

// DefaultJitter is the distortion applied to SSD training images
var DefaultJitter = Jitter{Brightness: 0.25, Contrast: 0.25, Saturation: 0.25, Hue: 0.25}

// ColorJitter applies every enabled distortion of j to img, each with a random strength,
// in a random order. The same rng sequence produces the same result.
func ColorJitter(img image.Image, rng *rand.Rand, j Jitter) image.Image {
	type op func(image.Image) image.Image
	factor := func(x float64) float64 {
		lo := max(0, 1-x)
		return lo + rng.Float64()*(1+x-lo)
	}
	ops := []op{}
	if j.Brightness > 0 {
		f := factor(j.Brightness)
		ops = append(ops, func(im image.Image) image.Image { return adjust.Brightness(im, f-1) })
	}
	if j.Contrast > 0 {
		f := factor(j.Contrast)
		ops = append(ops, func(im image.Image) image.Image { return adjust.Contrast(im, f-1) })
	}
	if j.Saturation > 0 {
		f := factor(j.Saturation)
		ops = append(ops, func(im image.Image) image.Image { return adjust.Saturation(im, f-1) })
	}
	if j.Hue > 0 {
		shift := (rng.Float64()*2 - 1) * min(j.Hue, 0.5)
		degrees := int(shift * 360)
		ops = append(ops, func(im image.Image) image.Image { return adjust.Hue(im, degrees) })
	}
	rng.Shuffle(len(ops), func(a, b int) {
		ops[a], ops[b] = ops[b], ops[a]
	})

	out := img
	for _, o := range ops {
		out = o(out)
	}
	if len(ops) == 0 {
		out = imaging.Clone(img)
	}
	return out
}
