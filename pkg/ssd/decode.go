package ssd

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/multibox/pkg/nn"
)

// Detection is a decoded object, in normalized boundary form
type Detection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Decoder turns the raw predictions of one image back into boxes
type Decoder struct {
	Priors     *PriorSet
	Variance   Variance
	NumClasses int
}

// Create a Decoder from a Config
func NewDecoder(priors *PriorSet, config *Config) *Decoder {
	return &Decoder{
		Priors:     priors,
		Variance:   config.Variance(),
		NumClasses: config.NumClasses,
	}
}

// Decode the predictions of one image.
// locs has one offset per prior, and scores has NumClasses logits per prior.
// For every prior and every non-background class whose softmax probability is at least
// params.ProbabilityThreshold, the prior's offset is decoded into a box. The boxes are
// clipped to the image (unless params.Unclipped), and then class-aware NMS is applied.
// At most params.MaxDetections are returned, ordered by confidence.
func (d *Decoder) Decode(locs []Box, scores []float32, params *nn.DetectionParams) ([]Detection, error) {
	if d.NumClasses < 2 {
		return nil, fmt.Errorf("%w: decoder needs at least 2 classes, not %v", ErrConfiguration, d.NumClasses)
	}
	n := d.Priors.Len()
	if len(locs) != n {
		return nil, fmt.Errorf("%w: %v location predictions, but there are %v priors", ErrShapeMismatch, len(locs), n)
	}
	if len(scores) != n*d.NumClasses {
		return nil, fmt.Errorf("%w: %v class scores, expected %v priors x %v classes", ErrShapeMismatch, len(scores), n, d.NumClasses)
	}
	p := params.WithDefaults()

	candidates := []Detection{}
	prob := make([]float32, d.NumClasses)
	for i := 0; i < n; i++ {
		if err := softmax(scores[i*d.NumClasses:(i+1)*d.NumClasses], prob); err != nil {
			return nil, fmt.Errorf("prior %v: %w", i, err)
		}
		var box Box
		decoded := false
		for c := 1; c < d.NumClasses; c++ {
			if prob[c] < p.ProbabilityThreshold {
				continue
			}
			if !decoded {
				for _, v := range locs[i] {
					if !isFinite(v) {
						return nil, fmt.Errorf("%w: location of prior %v: %v", ErrNonFinite, i, locs[i])
					}
				}
				box = ToBoundary(d.Variance.Decode(locs[i], d.Priors.centerSize[i]))
				if !p.Unclipped {
					box = Clip(box)
				}
				decoded = true
			}
			candidates = append(candidates, Detection{Class: c, Confidence: prob[c], Box: box})
		}
	}

	keep := NonMaxSuppression(candidates, p.NmsIouThreshold)
	if len(keep) > p.MaxDetections {
		keep = keep[:p.MaxDetections]
	}
	dets := make([]Detection, len(keep))
	for i, k := range keep {
		dets[i] = candidates[k]
	}
	return dets, nil
}

// Write the softmax of logits into prob
func softmax(logits, prob []float32) error {
	maxLogit := logits[0]
	for _, v := range logits {
		if !isFinite(v) {
			return fmt.Errorf("%w: class scores %v", ErrNonFinite, logits)
		}
		maxLogit = max(maxLogit, v)
	}
	sum := float32(0)
	for i, v := range logits {
		prob[i] = math32.Exp(v - maxLogit)
		sum += prob[i]
	}
	for i := range prob {
		prob[i] /= sum
	}
	return nil
}
