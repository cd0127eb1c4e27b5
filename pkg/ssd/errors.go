package ssd

import "errors"

var (
	// ErrConfiguration is returned when a feature map descriptor or loss parameter is malformed.
	// It indicates a programming or config mistake, so there is nothing to retry.
	ErrConfiguration = errors.New("invalid SSD configuration")

	// ErrShapeMismatch is returned when predictions disagree with the PriorSet or with each other.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidGroundTruth is returned for malformed per-image boxes or labels.
	ErrInvalidGroundTruth = errors.New("invalid ground truth")

	// ErrNonFinite is returned when a prediction contains NaN or Inf.
	ErrNonFinite = errors.New("non-finite prediction")

	// ErrDegenerateBatch is returned when a batch has zero positive priors, and the loss
	// was configured with DegenerateError.
	ErrDegenerateBatch = errors.New("batch has no positive priors")
)
