package ssd

import (
	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/multibox/pkg/gen"
)

// ScaleLayout locates the priors of one feature map inside a PriorSet
type ScaleLayout struct {
	Name          string
	GridDim       int
	PriorsPerCell int
	Channels      int // Expected backbone channels (0 = unchecked)
	Offset        int // Index of the first prior of this scale
	Count         int // GridDim * GridDim * PriorsPerCell
}

// PriorSet is the fixed, ordered set of prior boxes.
// Scales are in configured order, cells within a scale are in raster order (row-major),
// and within a cell the extra square prior comes first, followed by one prior per aspect ratio.
// This is the same order in which the prediction head's outputs are flattened, because
// priors and predictions are paired by index.
//
// A PriorSet is never modified after NewPriorSet returns, so it can be shared by any
// number of goroutines.
type PriorSet struct {
	centerSize []Box
	boundary   []Box
	layout     []ScaleLayout
	index      *flatbush.Flatbush[float64] // Spatial index of the boundary boxes
}

// NewPriorSet builds the priors for the given feature maps.
// Returns an error wrapping ErrConfiguration if any descriptor is malformed.
func NewPriorSet(maps []FeatureMap) (*PriorSet, error) {
	if err := validateFeatureMaps(maps); err != nil {
		return nil, err
	}
	total := 0
	for i := range maps {
		total += maps[i].NumPriors()
	}

	ps := &PriorSet{
		centerSize: make([]Box, 0, total),
		boundary:   make([]Box, 0, total),
	}
	add := func(b Box) {
		for i := range b {
			b[i] = gen.Clamp(b[i], 0, 1)
		}
		ps.centerSize = append(ps.centerSize, b)
		ps.boundary = append(ps.boundary, ToBoundary(b))
	}

	for _, fm := range maps {
		ps.layout = append(ps.layout, ScaleLayout{
			Name:          fm.Name,
			GridDim:       fm.GridDim,
			PriorsPerCell: fm.NumPriorsPerCell(),
			Channels:      fm.Channels,
			Offset:        len(ps.centerSize),
			Count:         fm.NumPriors(),
		})
		dim := float32(fm.GridDim)
		for row := 0; row < fm.GridDim; row++ {
			cy := (float32(row) + 0.5) / dim
			for col := 0; col < fm.GridDim; col++ {
				cx := (float32(col) + 0.5) / dim
				add(Box{cx, cy, fm.ExtraScale, fm.ExtraScale})
				for _, r := range fm.AspectRatios {
					sr := math32.Sqrt(r)
					add(Box{cx, cy, fm.BaseScale * sr, fm.BaseScale / sr})
				}
			}
		}
	}

	ps.index = flatbush.NewFlatbush[float64]()
	ps.index.Reserve(len(ps.boundary))
	for _, b := range ps.boundary {
		ps.index.Add(float64(b[0]), float64(b[1]), float64(b[2]), float64(b[3]))
	}
	ps.index.Finish()

	return ps, nil
}

// Len is the number of priors
func (ps *PriorSet) Len() int {
	return len(ps.centerSize)
}

// CenterSize returns prior i in center-size form
func (ps *PriorSet) CenterSize(i int) Box {
	return ps.centerSize[i]
}

// Boundary returns prior i in boundary form
func (ps *PriorSet) Boundary(i int) Box {
	return ps.boundary[i]
}

// CenterSizeBoxes returns a copy of all priors in center-size form
func (ps *PriorSet) CenterSizeBoxes() []Box {
	return append([]Box(nil), ps.centerSize...)
}

// BoundaryBoxes returns a copy of all priors in boundary form
func (ps *PriorSet) BoundaryBoxes() []Box {
	return append([]Box(nil), ps.boundary...)
}

// Layout returns a copy of the per-scale layout
func (ps *PriorSet) Layout() []ScaleLayout {
	return append([]ScaleLayout(nil), ps.layout...)
}

// Find the priors whose boundary box touches b.
// results is recycled and returned. Searching does not modify the index.
func (ps *PriorSet) search(b Box, results []int) []int {
	return ps.index.SearchFast(float64(b[0]), float64(b[1]), float64(b[2]), float64(b[3]), results)
}
