// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Detection is one post-processed box, corners in input-image pixels.
type Detection struct {
	X1, Y1, X2, Y2 float32

	// Confidence is objectness times the best class probability.
	Confidence float32

	Class int
}

// NonMaxSuppression turns the decoded inference output (see
// Model.ForwardInference) into per-image detections: rows below
// confThreshold are dropped, the rest go through greedy class-aware
// non-maximum suppression at iouThreshold. At most maxDetections boxes are
// kept per image (0 means no limit).
//
// decoded must be a [batch, m, no] float32 tensor with rows
// (x, y, w, h, objectness, class scores...), x/y/w/h center-format pixels.
func NonMaxSuppression(decoded *tensors.Tensor, confThreshold, iouThreshold float32, maxDetections int) ([][]Detection, error) {
	dims := decoded.Shape().Dimensions
	if len(dims) != 3 || dims[2] < 6 {
		return nil, errors.Errorf("decoded detections must be [batch, m, classes+5], got %s", decoded.Shape())
	}
	batch, m, no := dims[0], dims[1], dims[2]
	numClasses := no - 5
	flat := tensors.MustCopyFlatData[float32](decoded)

	results := make([][]Detection, batch)
	for b := 0; b < batch; b++ {
		var candidates []Detection
		for row := 0; row < m; row++ {
			p := flat[(b*m+row)*no:]
			obj := p[4]
			bestClass, bestScore := 0, p[5]
			for c := 1; c < numClasses; c++ {
				if p[5+c] > bestScore {
					bestClass, bestScore = c, p[5+c]
				}
			}
			conf := obj * bestScore
			if conf < confThreshold {
				continue
			}
			x, y, w, h := p[0], p[1], p[2], p[3]
			candidates = append(candidates, Detection{
				X1: x - w/2, Y1: y - h/2, X2: x + w/2, Y2: y + h/2,
				Confidence: conf,
				Class:      bestClass,
			})
		}
		results[b] = suppress(candidates, iouThreshold, maxDetections)
	}
	return results, nil
}

// suppress runs greedy class-aware NMS over confidence-sorted candidates.
func suppress(candidates []Detection, iouThreshold float32, maxDetections int) []Detection {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	var kept []Detection
	for _, candidate := range candidates {
		dominated := false
		for _, winner := range kept {
			if winner.Class == candidate.Class && boxIoU(winner, candidate) > iouThreshold {
				dominated = true
				break
			}
		}
		if dominated {
			continue
		}
		kept = append(kept, candidate)
		if maxDetections > 0 && len(kept) == maxDetections {
			break
		}
	}
	return kept
}

func boxIoU(a, b Detection) float32 {
	interW := min(a.X2, b.X2) - max(a.X1, b.X1)
	interH := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := interW * interH
	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
