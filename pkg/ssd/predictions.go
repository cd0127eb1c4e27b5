package ssd

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Predictions are the raw outputs of the prediction head for a batch of images,
// flattened into PriorSet order.
type Predictions struct {
	NumClasses int
	Locs       [][]Box     // [image][prior] encoded offsets
	Scores     [][]float32 // [image][prior*NumClasses + class] raw class scores (logits)
}

// Allocate zeroed predictions
func NewPredictions(batchSize, numPriors, numClasses int) *Predictions {
	p := &Predictions{
		NumClasses: numClasses,
		Locs:       make([][]Box, batchSize),
		Scores:     make([][]float32, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		p.Locs[i] = make([]Box, numPriors)
		p.Scores[i] = make([]float32, numPriors*numClasses)
	}
	return p
}

// BatchSize is the number of images
func (p *Predictions) BatchSize() int {
	return len(p.Locs)
}

// ClassScores returns the logits of one prior in one image.
// The returned slice aliases the predictions.
func (p *Predictions) ClassScores(image, prior int) []float32 {
	return p.Scores[image][prior*p.NumClasses : (prior+1)*p.NumClasses]
}

// Check that the predictions line up with numPriors
func (p *Predictions) validate(numPriors int) error {
	if p.NumClasses < 2 {
		return fmt.Errorf("%w: predictions have %v classes", ErrShapeMismatch, p.NumClasses)
	}
	if len(p.Scores) != len(p.Locs) {
		return fmt.Errorf("%w: batch size of locations (%v) and scores (%v) differ", ErrShapeMismatch, len(p.Locs), len(p.Scores))
	}
	for i := range p.Locs {
		if len(p.Locs[i]) != numPriors {
			return fmt.Errorf("%w: image %v has %v location predictions, but there are %v priors", ErrShapeMismatch, i, len(p.Locs[i]), numPriors)
		}
		if len(p.Scores[i]) != numPriors*p.NumClasses {
			return fmt.Errorf("%w: image %v has %v class scores, expected %v priors x %v classes", ErrShapeMismatch, i, len(p.Scores[i]), numPriors, p.NumClasses)
		}
	}
	return nil
}

func isFinite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
