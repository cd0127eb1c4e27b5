package ssd

import (
	"fmt"
	"image"
	"math"

	"github.com/cyclopcam/multibox/pkg/nn"
)

// Detector runs a Network on single images, and decodes the result.
// It implements nn.ObjectDetector, so it can be used with nn.TiledInference.
type Detector struct {
	network     Network
	priors      *PriorSet
	decoder     *Decoder
	config      *Config
	modelConfig nn.ModelConfig
}

// Create a detector. The network must produce outputs that match config.
func NewDetector(network Network, priors *PriorSet, config *Config) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if priors.Len() != config.NumPriors() {
		return nil, fmt.Errorf("%w: PriorSet has %v priors, but config describes %v", ErrConfiguration, priors.Len(), config.NumPriors())
	}
	return &Detector{
		network: network,
		priors:  priors,
		decoder: NewDecoder(priors, config),
		config:  config,
		modelConfig: nn.ModelConfig{
			Architecture: fmt.Sprintf("ssd%v", config.InputImageSize),
			Width:        config.InputImageSize,
			Height:       config.InputImageSize,
			Classes:      config.Classes,
		},
	}, nil
}

// Close does nothing, because the Network is owned by the caller
func (d *Detector) Close() {
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.modelConfig
}

// DetectObjects resizes the crop to the network's input size, runs the network, and returns
// the decoded objects in pixel coordinates, relative to the crop.
func (d *Detector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	rgba, err := img.ToNRGBA()
	if err != nil {
		return nil, err
	}
	input, err := ImageTensor([]image.Image{rgba}, d.config.InputImageSize)
	if err != nil {
		return nil, err
	}
	out, err := d.network.Forward(input)
	if err != nil {
		return nil, err
	}
	preds, err := FlattenPredictions(out, d.priors, d.config.NumClasses)
	if err != nil {
		return nil, err
	}
	if preds.BatchSize() != 1 {
		return nil, fmt.Errorf("%w: network returned %v images for 1 input", ErrShapeMismatch, preds.BatchSize())
	}
	dets, err := d.decoder.Decode(preds.Locs[0], preds.Scores[0], params)
	if err != nil {
		return nil, err
	}

	objects := make([]nn.ObjectDetection, len(dets))
	w := float64(img.CropWidth)
	h := float64(img.CropHeight)
	for i, det := range dets {
		objects[i] = nn.ObjectDetection{
			Class:      det.Class,
			Confidence: det.Confidence,
			Box: nn.MakeRect(
				int(math.Round(float64(det.Box[0])*w)),
				int(math.Round(float64(det.Box[1])*h)),
				int(math.Round(float64(det.Box[2])*w)),
				int(math.Round(float64(det.Box[3])*h)),
			),
		}
	}
	return objects, nil
}
