// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the detection loss of darknet models: GIoU box
// regression at responsible cells, binary cross-entropy objectness with
// GIoU-blended targets, and binary cross-entropy classification.
//
// Anchor/grid target assignment runs on the host (BuildTargets) and produces
// dense per-scale target grids shaped like the predictions. These enter the
// computation graph as ordinary inputs, so the in-graph loss is fully
// differentiable and shape-static.
package losses

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/darknet"
)

// Hyp holds the loss hyperparameters. Zero value is not usable; start from
// Default.
type Hyp struct {
	// GIoU, Obj and Cls are the per-component gains.
	GIoU, Obj, Cls float64

	// ObjPW and ClsPW are the positive-example weights of the objectness and
	// classification cross-entropies.
	ObjPW, ClsPW float64

	// IoUT is the width/height IoU threshold above which an anchor is
	// responsible for a target.
	IoUT float64

	// FlGamma is the focal-loss gamma; 0 disables focal modulation.
	FlGamma float64

	// GR blends the objectness target between 1.0 (GR=0) and the clamped
	// GIoU of the predicted box (GR=1).
	GR float64
}

// Default returns the stock detection-loss hyperparameters.
func Default() *Hyp {
	return &Hyp{
		GIoU:    3.54,
		Obj:     64.3,
		Cls:     37.4,
		ObjPW:   1.0,
		ClsPW:   1.0,
		IoUT:    0.225,
		FlGamma: 0.0,
		GR:      1.0,
	}
}

// Target is one ground-truth box. Coordinates are center/size, as fractions
// of the image ([0,1]).
type Target struct {
	// Image is the example's index within the batch.
	Image int
	Class int
	X, Y, W, H float32
}

// ScaleTargets are the dense target grids of one detection scale, shaped like
// that scale's raw predictions.
type ScaleTargets struct {
	// Box is [batch, na, gy, gx, 4]: cell-relative x/y offsets in [0,1) and
	// width/height in grid units, at responsible cells.
	Box *tensors.Tensor

	// Mask is [batch, na, gy, gx] float32, 1 at responsible cells.
	Mask *tensors.Tensor

	// Class is [batch, na, gy, gx] int32 class indices.
	Class *tensors.Tensor
}

// Tensors returns the grids in the flat order the loss expects its labels:
// box, mask, class.
func (st *ScaleTargets) Tensors() []*tensors.Tensor {
	return []*tensors.Tensor{st.Box, st.Mask, st.Class}
}

// BuildTargets assigns ground-truth boxes to anchors and cells, one
// ScaleTargets per detection head. An anchor is responsible for a target when
// their width/height IoU exceeds IoUT; a target may match several anchors and
// scales. Later targets falling on the same cell/anchor overwrite earlier
// ones.
//
// Heads must have cached grid geometry (one forward pass at any image size),
// since anchor matching happens in grid units.
func (h *Hyp) BuildTargets(heads []*darknet.YOLOLayer, imageHeight, imageWidth, batchSize int, targets []Target) ([]ScaleTargets, error) {
	scales := make([]ScaleTargets, len(heads))
	for s, head := range heads {
		strideY, strideX := head.Stride()
		if strideY <= 0 || strideX <= 0 {
			return nil, errors.Errorf("detection head %d has no grid geometry yet; run a forward pass first", head.Index)
		}
		gy := int(float32(imageHeight)/strideY + 0.5)
		gx := int(float32(imageWidth)/strideX + 0.5)
		na := head.NumAnchors()
		anchors := head.GridAnchors()

		box := make([]float32, batchSize*na*gy*gx*4)
		mask := make([]float32, batchSize*na*gy*gx)
		class := make([]int32, batchSize*na*gy*gx)
		for _, t := range targets {
			if t.Image < 0 || t.Image >= batchSize {
				return nil, errors.Errorf("target image index %d outside batch of %d", t.Image, batchSize)
			}
			gw, gh := t.W*float32(gx), t.H*float32(gy)
			cx := clampCell(int(t.X*float32(gx)), gx)
			cy := clampCell(int(t.Y*float32(gy)), gy)
			for a := 0; a < na; a++ {
				if whIoU(gw, gh, anchors[a][0], anchors[a][1]) <= float32(h.IoUT) {
					continue
				}
				cell := ((t.Image*na+a)*gy+cy)*gx + cx
				box[cell*4+0] = t.X*float32(gx) - float32(cx)
				box[cell*4+1] = t.Y*float32(gy) - float32(cy)
				box[cell*4+2] = gw
				box[cell*4+3] = gh
				mask[cell] = 1
				class[cell] = int32(t.Class)
			}
		}
		scales[s] = ScaleTargets{
			Box:   tensors.FromFlatDataAndDimensions(box, batchSize, na, gy, gx, 4),
			Mask:  tensors.FromFlatDataAndDimensions(mask, batchSize, na, gy, gx),
			Class: tensors.FromFlatDataAndDimensions(class, batchSize, na, gy, gx),
		}
	}
	return scales, nil
}

func clampCell(c, n int) int {
	if c < 0 {
		return 0
	}
	if c >= n {
		return n - 1
	}
	return c
}

// whIoU is the IoU of two boxes sharing a common center.
func whIoU(w1, h1, w2, h2 float32) float32 {
	inter := min(w1, w2) * min(h1, h2)
	union := w1*h1 + w2*h2 - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Loss builds the detection loss over all scales. predictions[s] is the raw
// output of head s, [batch, na, gy, gx, no]; labels holds the three dense
// target grids per scale, in BuildTargets' order (box, mask, class).
// The returned nodes are scalars: the gain-weighted total and its
// box/objectness/classification components.
func (h *Hyp) Loss(heads []*darknet.YOLOLayer, predictions, labels []*Node) (total, box, obj, cls *Node) {
	if len(predictions) != len(heads) {
		Panicf("detection loss got %d prediction scales for %d heads", len(predictions), len(heads))
	}
	if len(labels) != 3*len(heads) {
		Panicf("detection loss expects 3 label grids per scale, got %d for %d heads", len(labels), len(heads))
	}
	g := predictions[0].Graph()
	box, obj, cls = ScalarZero(g, dtypes.Float32), ScalarZero(g, dtypes.Float32), ScalarZero(g, dtypes.Float32)

	for s, head := range heads {
		p := predictions[s]
		tBox, tMask, tClass := labels[3*s], labels[3*s+1], labels[3*s+2]
		na := head.NumAnchors()

		anchors := head.GridAnchors()
		anchorWH := make([]float32, 0, na*2)
		for _, anchor := range anchors {
			anchorWH = append(anchorWH, anchor[0], anchor[1])
		}
		anchorNode := Const(g, tensors.FromFlatDataAndDimensions(anchorWH, 1, na, 1, 1, 2))

		// Predicted box in grid units, relative to the cell corner.
		pxy := Sigmoid(sliceLast(p, 0, 2))
		pwh := Mul(Exp(sliceLast(p, 2, 4)), anchorNode)
		pbox := Concatenate([]*Node{pxy, pwh}, -1)

		giou := GIoU(pbox, tBox) // [batch, na, gy, gx]
		numPositive := MaxScalar(ReduceAllSum(tMask), 1)
		box = Add(box, Div(ReduceAllSum(Mul(OneMinus(giou), tMask)), numPositive))

		// Objectness target: GIoU-blended at responsible cells, 0 elsewhere.
		// The gradient must not flow into the box through the target.
		giouClamped := StopGradient(ClipScalar(giou, 0, 1))
		tObj := Mul(tMask, AddScalar(MulScalar(giouClamped, h.GR), 1-h.GR))
		obj = Add(obj, ReduceAllMean(h.bce(sliceObjectness(p), tObj, h.ObjPW)))

		if head.NumClasses > 1 {
			oneHot := OneHot(tClass, head.NumClasses, dtypes.Float32)
			perClass := h.bce(sliceLast(p, 5, head.NumOutputs), oneHot, h.ClsPW)
			masked := Mul(perClass, InsertAxes(tMask, -1))
			denom := MulScalar(numPositive, float64(head.NumClasses))
			cls = Add(cls, Div(ReduceAllSum(masked), denom))
		}
	}

	total = Add(Add(MulScalar(box, h.GIoU), MulScalar(obj, h.Obj)), MulScalar(cls, h.Cls))
	return total, box, obj, cls
}

// LossFn adapts the loss to the gomlx train.Trainer signature, discarding the
// per-component values.
func (h *Hyp) LossFn(heads []*darknet.YOLOLayer) func(labels, predictions []*Node) *Node {
	return func(labels, predictions []*Node) *Node {
		total, _, _, _ := h.Loss(heads, predictions, labels)
		return total
	}
}

// bce is a numerically stable element-wise binary cross-entropy on logits,
// with positive-example weight and optional focal modulation (FlGamma).
func (h *Hyp) bce(logits, labels *Node, posWeight float64) *Node {
	lossPos := Softplus(Neg(logits)) // -log sigmoid(x)
	lossNeg := Softplus(logits)      // -log(1 - sigmoid(x))
	loss := Add(MulScalar(Mul(labels, lossPos), posWeight), Mul(OneMinus(labels), lossNeg))
	if h.FlGamma > 0 {
		const alpha = 0.25
		prob := Sigmoid(logits)
		pt := Add(Mul(labels, prob), Mul(OneMinus(labels), OneMinus(prob)))
		alphaFactor := Add(MulScalar(labels, alpha), MulScalar(OneMinus(labels), 1-alpha))
		loss = Mul(loss, Mul(alphaFactor, PowScalar(OneMinus(pt), h.FlGamma)))
	}
	return loss
}

// GIoU is the generalized IoU (Rezatofighi et al. 2019) of two box tensors in
// center/size format, [..., 4]. The result drops the last axis.
func GIoU(a, b *Node) *Node {
	aX1, aY1, aX2, aY2 := corners(a)
	bX1, bY1, bX2, bY2 := corners(b)

	interW := MaxScalar(Sub(Min(aX2, bX2), Max(aX1, bX1)), 0)
	interH := MaxScalar(Sub(Min(aY2, bY2), Max(aY1, bY1)), 0)
	inter := Mul(interW, interH)

	areaA := Mul(Sub(aX2, aX1), Sub(aY2, aY1))
	areaB := Mul(Sub(bX2, bX1), Sub(bY2, bY1))
	union := AddScalar(Sub(Add(areaA, areaB), inter), 1e-16)
	iou := Div(inter, union)

	hullW := Sub(Max(aX2, bX2), Min(aX1, bX1))
	hullH := Sub(Max(aY2, bY2), Min(aY1, bY1))
	hull := AddScalar(Mul(hullW, hullH), 1e-16)
	return Sub(iou, Div(Sub(hull, union), hull))
}

// corners converts [..., 4] center/size boxes to corner coordinates, each
// [...] shaped.
func corners(box *Node) (x1, y1, x2, y2 *Node) {
	x := Squeeze(sliceLast(box, 0, 1), -1)
	y := Squeeze(sliceLast(box, 1, 2), -1)
	halfW := MulScalar(Squeeze(sliceLast(box, 2, 3), -1), 0.5)
	halfH := MulScalar(Squeeze(sliceLast(box, 3, 4), -1), 0.5)
	return Sub(x, halfW), Sub(y, halfH), Add(x, halfW), Add(y, halfH)
}

// sliceLast slices [from, to) of a tensor's last axis.
func sliceLast(p *Node, from, to int) *Node {
	specs := make([]SliceAxisSpec, p.Rank())
	for i := range specs[:p.Rank()-1] {
		specs[i] = AxisRange()
	}
	specs[p.Rank()-1] = AxisRange(from, to)
	return Slice(p, specs...)
}

// sliceObjectness extracts the objectness logit, dropping the last axis.
func sliceObjectness(p *Node) *Node {
	return Squeeze(sliceLast(p, 4, 5), -1)
}
