package ssd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/multibox/pkg/nn"
	"gopkg.in/yaml.v3"
)

// FeatureMap describes one prediction scale of the network, and the priors that are
// generated for every cell of its grid.
type FeatureMap struct {
	Name          string    `json:"name" yaml:"name"`                                       // eg "conv4_3"
	GridDim       int       `json:"gridDim" yaml:"gridDim"`                                 // Feature map is GridDim x GridDim cells
	BaseScale     float32   `json:"baseScale" yaml:"baseScale"`                             // Prior size, as a fraction of the image
	AspectRatios  []float32 `json:"aspectRatios" yaml:"aspectRatios"`                       // One prior per ratio, at BaseScale
	ExtraScale    float32   `json:"extraScale" yaml:"extraScale"`                           // Size of the extra square prior in each cell
	Channels      int       `json:"channels,omitempty" yaml:"channels,omitempty"`           // Channels the backbone produces here (0 = unchecked)
	PriorsPerCell int       `json:"priorsPerCell,omitempty" yaml:"priorsPerCell,omitempty"` // If non-zero, must equal 1 + len(AspectRatios)
}

// NumPriorsPerCell is the extra square prior, plus one prior per aspect ratio
func (f *FeatureMap) NumPriorsPerCell() int {
	return 1 + len(f.AspectRatios)
}

// NumPriors is the number of priors emitted for this scale
func (f *FeatureMap) NumPriors() int {
	return f.GridDim * f.GridDim * f.NumPriorsPerCell()
}

func (f *FeatureMap) validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: feature map has no name", ErrConfiguration)
	}
	if f.GridDim <= 0 {
		return fmt.Errorf("%w: feature map %q: gridDim must be positive, not %v", ErrConfiguration, f.Name, f.GridDim)
	}
	if !positive(f.BaseScale) {
		return fmt.Errorf("%w: feature map %q: baseScale must be positive, not %v", ErrConfiguration, f.Name, f.BaseScale)
	}
	if !positive(f.ExtraScale) {
		return fmt.Errorf("%w: feature map %q: extraScale must be positive, not %v", ErrConfiguration, f.Name, f.ExtraScale)
	}
	for _, r := range f.AspectRatios {
		if !positive(r) {
			return fmt.Errorf("%w: feature map %q: aspect ratio must be positive, not %v", ErrConfiguration, f.Name, r)
		}
	}
	if f.Channels < 0 {
		return fmt.Errorf("%w: feature map %q: channels may not be negative", ErrConfiguration, f.Name)
	}
	if f.PriorsPerCell != 0 && f.PriorsPerCell != f.NumPriorsPerCell() {
		return fmt.Errorf("%w: feature map %q: priorsPerCell is %v, but %v aspect ratios produce %v priors per cell",
			ErrConfiguration, f.Name, f.PriorsPerCell, len(f.AspectRatios), f.NumPriorsPerCell())
	}
	return nil
}

func validateFeatureMaps(maps []FeatureMap) error {
	if len(maps) == 0 {
		return fmt.Errorf("%w: no feature maps", ErrConfiguration)
	}
	names := map[string]bool{}
	for i := range maps {
		if err := maps[i].validate(); err != nil {
			return err
		}
		if names[maps[i].Name] {
			return fmt.Errorf("%w: duplicate feature map %q", ErrConfiguration, maps[i].Name)
		}
		names[maps[i].Name] = true
	}
	return nil
}

// DegeneratePolicy controls what the loss does with a batch that has no positive priors.
// In that case the normalizing count is zero, and the loss is undefined.
type DegeneratePolicy string

const (
	DegenerateZero  DegeneratePolicy = "zero"  // Return a zero loss, flagged as Degenerate
	DegenerateError DegeneratePolicy = "error" // Return ErrDegenerateBatch
)

// Config is everything that the prior generator, matcher, and loss need to know.
// It is usually loaded from a JSON or YAML file with LoadConfig.
type Config struct {
	InputImageSize   int              `json:"inputImageSize" yaml:"inputImageSize"`     // eg 300
	FeatureMaps      []FeatureMap     `json:"featureMaps" yaml:"featureMaps"`           // In the same order that the head concatenates its predictions
	NumClasses       int              `json:"numClasses" yaml:"numClasses"`             // Including background (class 0)
	Classes          []string         `json:"classes,omitempty" yaml:"classes,omitempty"` // Optional names. If present, len(Classes) == NumClasses
	OverlapThreshold float32          `json:"overlapThreshold" yaml:"overlapThreshold"` // Minimum IoU for a prior to be positive
	NegPosRatio      float32          `json:"negPosRatio" yaml:"negPosRatio"`           // Hard negatives per positive
	Alpha            float32          `json:"alpha" yaml:"alpha"`                       // Weight of the localization loss
	VarianceXY       float32          `json:"varianceXY" yaml:"varianceXY"`             // Codec variance for center offsets
	VarianceWH       float32          `json:"varianceWH" yaml:"varianceWH"`             // Codec variance for log sizes
	Workers          int              `json:"workers,omitempty" yaml:"workers,omitempty"` // Parallel images in the loss. 0 = number of CPUs
	Degenerate       DegeneratePolicy `json:"degenerate,omitempty" yaml:"degenerate,omitempty"`
}

// Return a Config populated with the loss defaults, but no feature maps
func NewConfig() *Config {
	return &Config{
		InputImageSize:   300,
		OverlapThreshold: 0.5,
		NegPosRatio:      3,
		Alpha:            1,
		VarianceXY:       DefaultVariance.XY,
		VarianceWH:       DefaultVariance.WH,
		Degenerate:       DegenerateZero,
	}
}

// DefaultConfig300 returns the classic SSD300 configuration, which produces 8732 priors.
func DefaultConfig300(numClasses int) *Config {
	c := NewConfig()
	c.NumClasses = numClasses
	ar4 := []float32{1, 2, 0.5}
	ar6 := []float32{1, 2, 3, 0.5, 1.0 / 3}
	scales := []float32{0.1, 0.2, 0.375, 0.55, 0.725, 0.9}
	// The extra prior in each cell is the geometric mean of this scale and the next
	extra := make([]float32, len(scales))
	for i := range scales {
		next := float32(1)
		if i+1 < len(scales) {
			next = scales[i+1]
		}
		extra[i] = math32.Sqrt(scales[i] * next)
	}
	c.FeatureMaps = []FeatureMap{
		{Name: "conv4_3", GridDim: 38, BaseScale: scales[0], AspectRatios: ar4, ExtraScale: extra[0], Channels: 512},
		{Name: "conv7", GridDim: 19, BaseScale: scales[1], AspectRatios: ar6, ExtraScale: extra[1], Channels: 1024},
		{Name: "conv8_2", GridDim: 10, BaseScale: scales[2], AspectRatios: ar6, ExtraScale: extra[2], Channels: 512},
		{Name: "conv9_2", GridDim: 5, BaseScale: scales[3], AspectRatios: ar6, ExtraScale: extra[3], Channels: 256},
		{Name: "conv10_2", GridDim: 3, BaseScale: scales[4], AspectRatios: ar4, ExtraScale: extra[4], Channels: 256},
		{Name: "conv11_2", GridDim: 1, BaseScale: scales[5], AspectRatios: ar4, ExtraScale: extra[5], Channels: 256},
	}
	return c
}

// Validate returns an error wrapping ErrConfiguration if anything is out of range
func (c *Config) Validate() error {
	if c.InputImageSize <= 0 {
		return fmt.Errorf("%w: inputImageSize must be positive, not %v", ErrConfiguration, c.InputImageSize)
	}
	if err := validateFeatureMaps(c.FeatureMaps); err != nil {
		return err
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("%w: numClasses must be at least 2 (background plus one object class), not %v", ErrConfiguration, c.NumClasses)
	}
	if len(c.Classes) != 0 && len(c.Classes) != c.NumClasses {
		return fmt.Errorf("%w: %v class names, but numClasses is %v", ErrConfiguration, len(c.Classes), c.NumClasses)
	}
	if !(c.OverlapThreshold > 0 && c.OverlapThreshold < 1) {
		return fmt.Errorf("%w: overlapThreshold must be in (0,1), not %v", ErrConfiguration, c.OverlapThreshold)
	}
	if !positive(c.NegPosRatio) {
		return fmt.Errorf("%w: negPosRatio must be positive, not %v", ErrConfiguration, c.NegPosRatio)
	}
	if !positive(c.Alpha) {
		return fmt.Errorf("%w: alpha must be positive, not %v", ErrConfiguration, c.Alpha)
	}
	if !positive(c.VarianceXY) || !positive(c.VarianceWH) {
		return fmt.Errorf("%w: variances must be positive, not (%v, %v)", ErrConfiguration, c.VarianceXY, c.VarianceWH)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers may not be negative", ErrConfiguration)
	}
	switch c.Degenerate {
	case "", DegenerateZero, DegenerateError:
	default:
		return fmt.Errorf("%w: unknown degenerate policy %q", ErrConfiguration, c.Degenerate)
	}
	return nil
}

// Variance returns the codec variances
func (c *Config) Variance() Variance {
	return Variance{XY: c.VarianceXY, WH: c.VarianceWH}
}

// NumWorkers resolves Workers = 0 to the number of CPUs
func (c *Config) NumWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// NumPriors is the length of the PriorSet that this config produces
func (c *Config) NumPriors() int {
	n := 0
	for i := range c.FeatureMaps {
		n += c.FeatureMaps[i].NumPriors()
	}
	return n
}

// Load a config from a JSON or YAML file (chosen by file extension).
// Fields that are absent from the file keep the defaults from NewConfig.
func LoadConfig(filename string) (*Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := NewConfig()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, config)
	default:
		err = json.Unmarshal(b, config)
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to parse %v: %w", filename, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadClassNames reads a text file with one class name per line, starting with the
// background class. NumClasses is set to the number of names.
func (c *Config) LoadClassNames(filename string) error {
	classes, err := nn.LoadClassFile(filename)
	if err != nil {
		return err
	}
	c.Classes = classes
	c.NumClasses = len(classes)
	return c.Validate()
}

// positive is false for NaN
func positive(v float32) bool {
	return v > 0 && !math32.IsInf(v, 1)
}
