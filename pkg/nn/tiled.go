package nn

import (
	"cmp"
	"context"
	"slices"

	"github.com/bmharper/tiledinference"
	"golang.org/x/sync/errgroup"
)

// Run tiled inference on the image.
// We look at the width and height of the model, and if the image is larger, then we split the image
// up into tiles, and run each of those tiles through the model. Then, we merge the tiles back
// into a single dataset.
// If the model is larger than the image, then we just run the model directly, so it is safe
// to call TiledInference on any image, without incurring any performance loss.
// The model must be safe to call from nThreads goroutines at once.
func TiledInference(ctx context.Context, model ObjectDetector, img ImageCrop, _params *DetectionParams, nThreads int) ([]ObjectDetection, error) {
	config := model.Config()

	// Clip once at the end, after merging, so that objects which straddle a tile
	// boundary are not cut short before they're merged.
	params := _params.WithDefaults()
	params.Unclipped = true

	// Somewhat arbitrary. Large enough that most objects fit entirely inside at least one tile.
	minPadding := 32

	// Our final results are relative to the crop, not of the original 'img'.
	tiling := tiledinference.MakeTiling(img.CropWidth, img.CropHeight, config.Width, config.Height, minPadding)

	// Results are stored per tile, so that the output order does not depend on scheduling
	tileObjects := make([][]ObjectDetection, tiling.NumX*tiling.NumY)
	tileBoxes := make([][]tiledinference.Box, tiling.NumX*tiling.NumY)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, nThreads))
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			i := ty*tiling.NumX + tx
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				objects, boxes, err := detectTile(model, &params, tiling, tx, ty, img)
				if err != nil {
					return err
				}
				tileObjects[i] = objects
				tileBoxes[i] = boxes
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	allObjects := []ObjectDetection{}
	allBoxes := []tiledinference.Box{}
	for i := range tileObjects {
		allObjects = append(allObjects, tileObjects[i]...)
		allBoxes = append(allBoxes, tileBoxes[i]...)
	}

	merged := []ObjectDetection{}
	finalClip := Rect{
		X:      0,
		Y:      0,
		Width:  img.CropWidth,
		Height: img.CropHeight,
	}

	if tiling.IsSingle() {
		merged = allObjects
		if !_params.unclipped() {
			for i := range merged {
				merged[i].Box = merged[i].Box.Intersection(finalClip)
			}
		}
	} else {
		groups, mergedBoxes := tiledinference.MergeBoxes(tiling, allBoxes, nil)
		for igroup, group := range groups {
			// Start with the first object in the group
			newObj := allObjects[group[0]]
			r := mergedBoxes[igroup]

			// Use the merged box, which can be larger than the first object in the group
			newObj.Box = MakeRect(int(r.Rect.X1), int(r.Rect.Y1), int(r.Rect.X2), int(r.Rect.Y2))
			if !_params.unclipped() {
				newObj.Box = newObj.Box.Intersection(finalClip)
			}

			// Use max(confidence) from all objects in the group
			for _, el := range group[1:] {
				newObj.Confidence = max(newObj.Confidence, allObjects[el].Confidence)
			}

			merged = append(merged, newObj)
		}
	}

	// Most confident first, so that truncation drops the weakest objects
	slices.SortStableFunc(merged, func(a, b ObjectDetection) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	if len(merged) > params.MaxDetections {
		merged = merged[:params.MaxDetections]
	}

	return merged, nil
}

func (p *DetectionParams) unclipped() bool {
	return p != nil && p.Unclipped
}

// Returns two parallel arrays
func detectTile(model ObjectDetector, params *DetectionParams, tiling tiledinference.Tiling, tx, ty int, img ImageCrop) ([]ObjectDetection, []tiledinference.Box, error) {
	tileRect := tiling.TileRect(tx, ty)
	crop := img.Crop(int(tileRect.X1), int(tileRect.Y1), int(tileRect.X2), int(tileRect.Y2))
	objects, err := model.DetectObjects(crop, params)
	if err != nil {
		return nil, nil, err
	}
	boxes := []tiledinference.Box{}
	for i, obj := range objects {
		box := tiledinference.Box{
			Rect: tiledinference.Rect{
				X1: int32(obj.Box.X),
				Y1: int32(obj.Box.Y),
				X2: int32(obj.Box.X2()),
				Y2: int32(obj.Box.Y2()),
			},
			Class: int32(obj.Class),
			Tile:  tiling.MakeTileIndex(tx, ty),
		}
		box.Rect.Offset(int32(tileRect.X1), int32(tileRect.Y1))
		objects[i].Box.Offset(int(tileRect.X1), int(tileRect.Y1))
		boxes = append(boxes, box)
	}
	return objects, boxes, nil
}
