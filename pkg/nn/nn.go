package nn

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"strings"
)

// Package nn is the detector-facing layer: detection parameters, image crops,
// pixel geometry, and tiled inference over any ObjectDetector.

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.45
const DefaultMaxDetections = 200

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	MaxDetections        int     // Maximum number of objects returned per image. Zero value will use the default.
	Unclipped            bool    // If true, don't clip boxes to the image boundaries
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
		MaxDetections:        DefaultMaxDetections,
		Unclipped:            false,
	}
}

// WithDefaults returns a copy of p, with zero values replaced by the defaults.
// A nil p produces NewDetectionParams().
func (p *DetectionParams) WithDefaults() DetectionParams {
	if p == nil {
		return *NewDetectionParams()
	}
	r := *p
	if r.ProbabilityThreshold == 0 {
		r.ProbabilityThreshold = DefaultProbabilityThreshold
	}
	if r.NmsIouThreshold == 0 {
		r.NmsIouThreshold = DefaultNmsIouThreshold
	}
	if r.MaxDetections == 0 {
		r.MaxDetections = DefaultMaxDetections
	}
	return r
}

// ImageCrop is a crop of an RGB image.
// To create an ImageCrop, start with WholeImage(), and then use Crop() to get a sub-crop.
type ImageCrop struct {
	NChan       int    // Number of channels (eg 3 for RGB)
	Pixels      []byte // The whole image
	ImageWidth  int    // The width of the original image, held in Pixels
	ImageHeight int    // The height of the original image, held in Pixels
	CropX       int    // Origin of crop X
	CropY       int    // Origin of crop Y
	CropWidth   int    // The width of this crop
	CropHeight  int    // The height of this crop
}

// Return a crop of the crop (new crop is relative to existing).
// If any parameter is out of bounds, we panic
func (c ImageCrop) Crop(x1, y1, x2, y2 int) ImageCrop {
	nc := ImageCrop{
		NChan:       c.NChan,
		Pixels:      c.Pixels,
		ImageWidth:  c.ImageWidth,
		ImageHeight: c.ImageHeight,
		CropX:       c.CropX + x1,
		CropY:       c.CropY + y1,
		CropWidth:   x2 - x1,
		CropHeight:  y2 - y1,
	}
	if nc.CropX < 0 || nc.CropY < 0 || nc.CropWidth < 0 || nc.CropHeight < 0 || nc.CropX+nc.CropWidth > c.ImageWidth || nc.CropY+nc.CropHeight > c.ImageHeight {
		panic("Crop out of bounds")
	}
	return nc
}

// ToNRGBA copies the crop into a new image. Only 3 (RGB) and 4 (RGBA) channels are supported.
func (c ImageCrop) ToNRGBA() (*image.NRGBA, error) {
	if c.NChan != 3 && c.NChan != 4 {
		return nil, fmt.Errorf("Unsupported number of image channels %v", c.NChan)
	}
	img := image.NewNRGBA(image.Rect(0, 0, c.CropWidth, c.CropHeight))
	stride := c.ImageWidth * c.NChan
	for y := 0; y < c.CropHeight; y++ {
		src := c.Pixels[(c.CropY+y)*stride+c.CropX*c.NChan:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < c.CropWidth; x++ {
			dst[x*4+0] = src[x*c.NChan+0]
			dst[x*4+1] = src[x*c.NChan+1]
			dst[x*4+2] = src[x*c.NChan+2]
			if c.NChan == 4 {
				dst[x*4+3] = src[x*c.NChan+3]
			} else {
				dst[x*4+3] = 255
			}
		}
	}
	return img, nil
}

// Return a 'crop' of the entire image
func WholeImage(nchan int, pixels []byte, width, height int) ImageCrop {
	return ImageCrop{
		NChan:       nchan,
		Pixels:      pixels,
		ImageWidth:  width,
		ImageHeight: height,
		CropX:       0,
		CropY:       0,
		CropWidth:   width,
		CropHeight:  height,
	}
}

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// Close releases any resources held by the detector
	Close()

	// DetectObjects returns a list of objects detected in the image.
	// Boxes are in pixels, relative to the crop.
	// You can create a default DetectionParams with NewDetectionParams()
	DetectObjects(img ImageCrop, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig describes the input size and classes of an ObjectDetector
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "ssd300"
	Width        int      `json:"width"`        // eg 300
	Height       int      `json:"height"`       // eg 300
	Classes      []string `json:"classes"`      // eg ["background", "person", "bicycle", ...]
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
