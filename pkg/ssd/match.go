package ssd

import (
	"fmt"

	"github.com/chewxy/math32"
)

// GroundTruth holds the objects in one training image.
// Boxes are in normalized boundary form, and Labels is parallel to Boxes.
// Label 0 is reserved for background, so every label must be at least 1.
type GroundTruth struct {
	Boxes  []Box `json:"boxes" yaml:"boxes"`
	Labels []int `json:"labels" yaml:"labels"`
}

// Validate the ground truth. If numClasses is non-zero, labels must be less than numClasses.
func (gt *GroundTruth) Validate(numClasses int) error {
	if len(gt.Boxes) != len(gt.Labels) {
		return fmt.Errorf("%w: %v boxes but %v labels", ErrInvalidGroundTruth, len(gt.Boxes), len(gt.Labels))
	}
	for i, b := range gt.Boxes {
		for _, v := range b {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return fmt.Errorf("%w: box %v is not finite: %v", ErrInvalidGroundTruth, i, b)
			}
		}
		if b[0] > b[2] || b[1] > b[3] {
			return fmt.Errorf("%w: box %v is inverted: %v", ErrInvalidGroundTruth, i, b)
		}
	}
	for i, label := range gt.Labels {
		if label < 1 {
			return fmt.Errorf("%w: label %v of box %v (0 is reserved for background)", ErrInvalidGroundTruth, label, i)
		}
		if numClasses != 0 && label >= numClasses {
			return fmt.Errorf("%w: label %v of box %v is not less than numClasses (%v)", ErrInvalidGroundTruth, label, i, numClasses)
		}
	}
	return nil
}

// Assignment is the result of matching one image's ground truth to the priors.
// All slices are indexed by prior.
type Assignment struct {
	Object  []int     // Index of the ground truth box with the highest overlap, or -1 if the image has no objects
	Overlap []float32 // IoU with that ground truth box
	Label   []int     // Class of the ground truth box, or 0 if Overlap < threshold
	Target  []Box     // Ground truth box, encoded relative to the prior
}

func newAssignment(n int) *Assignment {
	return &Assignment{
		Object:  make([]int, n),
		Overlap: make([]float32, n),
		Label:   make([]int, n),
		Target:  make([]Box, n),
	}
}

// Positive returns true for every prior that was matched to an object
func (a *Assignment) Positive() []bool {
	pos := make([]bool, len(a.Label))
	for i, label := range a.Label {
		pos[i] = label != 0
	}
	return pos
}

// NumPositives is the number of priors that were matched to an object
func (a *Assignment) NumPositives() int {
	n := 0
	for _, label := range a.Label {
		if label != 0 {
			n++
		}
	}
	return n
}

// Matcher assigns every prior to a ground truth object, or to background.
// A Matcher holds no per-call state, so one Matcher can match many images concurrently.
type Matcher struct {
	Priors     *PriorSet
	Threshold  float32  // Priors with IoU below this are background
	Variance   Variance // Used to encode the regression targets
	NumClasses int      // If non-zero, ground truth labels are checked against this
}

// Create a Matcher from a Config
func NewMatcher(priors *PriorSet, config *Config) *Matcher {
	return &Matcher{
		Priors:     priors,
		Threshold:  config.OverlapThreshold,
		Variance:   config.Variance(),
		NumClasses: config.NumClasses,
	}
}

// Match assigns every prior to the ground truth box with which it has the highest IoU.
// If two boxes tie for a prior, the box with the lower index wins.
// Priors with IoU below the threshold are labelled background (0), but still receive
// a regression target, which the loss ignores.
// An image with no ground truth produces an all-background assignment.
func (m *Matcher) Match(gt GroundTruth) (*Assignment, error) {
	if err := m.validate(gt); err != nil {
		return nil, err
	}
	a := newAssignment(m.Priors.Len())
	if len(gt.Boxes) == 0 {
		return m.background(a), nil
	}

	// Only priors that touch a box can have a non-zero overlap with it, so we use the
	// spatial index instead of computing the full (objects x priors) matrix.
	// Priors that touch nothing keep Object = 0 and Overlap = 0.
	var nearby []int
	for j, box := range gt.Boxes {
		nearby = m.Priors.search(box, nearby)
		for _, p := range nearby {
			iou := IoU(box, m.Priors.boundary[p])
			if iou > a.Overlap[p] {
				a.Overlap[p] = iou
				a.Object[p] = j
			}
		}
	}
	m.assignLabelsAndTargets(gt, a)
	return a, nil
}

func (m *Matcher) validate(gt GroundTruth) error {
	if !(m.Threshold > 0 && m.Threshold < 1) {
		return fmt.Errorf("%w: matcher threshold must be in (0,1), not %v", ErrConfiguration, m.Threshold)
	}
	return gt.Validate(m.NumClasses)
}

// MatchDense produces the same result as Match, but computes the complete overlap matrix.
// It is much slower, and exists so that the indexed path can be verified against it.
func (m *Matcher) MatchDense(gt GroundTruth) (*Assignment, error) {
	if err := m.validate(gt); err != nil {
		return nil, err
	}
	a := newAssignment(m.Priors.Len())
	if len(gt.Boxes) == 0 {
		return m.background(a), nil
	}
	overlap := JaccardOverlap(gt.Boxes, m.Priors.boundary)
	for p := range a.Object {
		for j := range overlap {
			if overlap[j][p] > a.Overlap[p] {
				a.Overlap[p] = overlap[j][p]
				a.Object[p] = j
			}
		}
	}
	m.assignLabelsAndTargets(gt, a)
	return a, nil
}

func (m *Matcher) background(a *Assignment) *Assignment {
	for p := range a.Object {
		a.Object[p] = -1
	}
	return a
}

func (m *Matcher) assignLabelsAndTargets(gt GroundTruth, a *Assignment) {
	// Convert each object once, rather than once per prior
	objects := make([]Box, len(gt.Boxes))
	for j, b := range gt.Boxes {
		objects[j] = ToCenterSize(b)
	}
	for p, obj := range a.Object {
		if a.Overlap[p] >= m.Threshold {
			a.Label[p] = gt.Labels[obj]
		}
		a.Target[p] = m.Variance.Encode(objects[obj], m.Priors.centerSize[p])
	}
}
