package ssd

import (
	"cmp"
	"slices"

	flatbush "github.com/bmharper/flatbush-go"
)

// NonMaxSuppression performs greedy, class-aware non-maximum suppression.
// Within each class, detections are visited from highest to lowest confidence, and any
// detection whose IoU with an already kept detection exceeds iouThreshold is dropped.
// Detections of different classes never suppress each other.
// Returns the indices of the kept detections, ordered by confidence (descending), with
// ties broken by the lower index.
func NonMaxSuppression(dets []Detection, iouThreshold float32) []int {
	if len(dets) == 0 {
		return nil
	}
	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(dets[b].Confidence, dets[a].Confidence)
	})

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[float64]()
	fb.Reserve(len(dets))
	for _, d := range dets {
		fb.Add(float64(d.Box[0]), float64(d.Box[1]), float64(d.Box[2]), float64(d.Box[3]))
	}
	fb.Finish()

	suppressed := make([]bool, len(dets))
	keep := []int{}
	var nearby []int
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		d := &dets[i]
		nearby = fb.SearchFast(float64(d.Box[0]), float64(d.Box[1]), float64(d.Box[2]), float64(d.Box[3]), nearby)
		for _, j := range nearby {
			if j == i || suppressed[j] || dets[j].Class != d.Class {
				continue
			}
			if IoU(d.Box, dets[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}
