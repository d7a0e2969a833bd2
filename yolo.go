// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/darknet/cfg"
)

// YOLOLayer is an anchor-based detection head reading one scale of the
// feature pyramid.
//
// During training it is a pure reshape: the incoming feature map
// [batch, gy, gx, na*no] becomes raw predictions [batch, na, gy, gx, no],
// where na is the number of anchors of this head and no = classes+5
// (box xywh, objectness, class scores). During inference it additionally
// decodes grid-relative predictions to image-pixel detections.
//
// Grid geometry (cell offsets, anchor sizes in grid units, stride) is cached
// and lazily rebuilt whenever the feature map's spatial size changes, which
// happens under multi-scale training.
type YOLOLayer struct {
	// Index is the position of this head among the model's heads (0-based).
	Index int

	// Anchors are this head's anchor box sizes, selected by the mask, in
	// input-image pixel units.
	Anchors [][2]float32

	NumClasses int

	// NumOutputs is NumClasses + 5.
	NumOutputs int

	// refs optionally names the layers feeding this head ("from"). Only its
	// Index-th entry is meaningful, and only for bias initialization.
	refs []int

	// Cached grid geometry, keyed by the feature map spatial size.
	gridNY, gridNX   int
	strideY, strideX float32
	cellXY           *tensors.Tensor // [1, 1, gy, gx, 2] cell offsets (x, y)
	anchorWH         *tensors.Tensor // [1, na, 1, 1, 2] anchors in grid units
	gridRebuilds     int
}

func newYOLOLayer(spec *cfg.YOLO, index int) *YOLOLayer {
	return &YOLOLayer{
		Index:      index,
		Anchors:    spec.MaskedAnchors(),
		NumClasses: spec.Classes,
		NumOutputs: spec.Classes + 5,
		refs:       spec.From,
	}
}

// NumAnchors returns the number of anchors of this head.
func (l *YOLOLayer) NumAnchors() int { return len(l.Anchors) }

// GridSize returns the cached grid size (gy, gx). Zero before the first use.
func (l *YOLOLayer) GridSize() (gy, gx int) { return l.gridNY, l.gridNX }

// Stride returns the cached input-pixels-per-cell factors (y, x).
func (l *YOLOLayer) Stride() (strideY, strideX float32) { return l.strideY, l.strideX }

// GridRebuilds counts how many times the grid geometry was (re)built.
func (l *YOLOLayer) GridRebuilds() int { return l.gridRebuilds }

// GridAnchors returns the anchors in grid units, anchor pixels divided by the
// cached stride. Only valid once grid geometry exists (after a forward pass).
func (l *YOLOLayer) GridAnchors() [][2]float32 {
	anchors := make([][2]float32, len(l.Anchors))
	for i, anchor := range l.Anchors {
		anchors[i] = [2]float32{anchor[0] / l.strideX, anchor[1] / l.strideY}
	}
	return anchors
}

// createGrids rebuilds the cached geometry for a gy x gx grid over an
// imageHeight x imageWidth input.
func (l *YOLOLayer) createGrids(imageHeight, imageWidth, gy, gx int) {
	l.gridNY, l.gridNX = gy, gx
	l.strideY = float32(imageHeight) / float32(gy)
	l.strideX = float32(imageWidth) / float32(gx)

	cells := make([]float32, 0, gy*gx*2)
	for y := 0; y < gy; y++ {
		for x := 0; x < gx; x++ {
			cells = append(cells, float32(x), float32(y))
		}
	}
	l.cellXY = tensors.FromFlatDataAndDimensions(cells, 1, 1, gy, gx, 2)

	wh := make([]float32, 0, len(l.Anchors)*2)
	for _, anchor := range l.Anchors {
		wh = append(wh, anchor[0]/l.strideX, anchor[1]/l.strideY)
	}
	l.anchorWH = tensors.FromFlatDataAndDimensions(wh, 1, len(l.Anchors), 1, 1, 2)
	l.gridRebuilds++
}

func (l *YOLOLayer) Apply(_ *context.Context, _ *Node) *Node {
	Panicf("detection head is dispatched by Model.forward")
	return nil
}

// apply reshapes (and in inference decodes) one scale's feature map.
// x is [batch, gy, gx, na*no]. raw is always returned; decoded is nil in
// training mode.
func (l *YOLOLayer) apply(x *Node, imageHeight, imageWidth int, training bool) (raw, decoded *Node) {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batch, gy, gx := dims[0], dims[1], dims[2]
	na := len(l.Anchors)
	if dims[3] != na*l.NumOutputs {
		Panicf("detection head %d expects %d channels (na=%d x no=%d), got %d",
			l.Index, na*l.NumOutputs, na, l.NumOutputs, dims[3])
	}
	if gy != l.gridNY || gx != l.gridNX || l.cellXY == nil {
		l.createGrids(imageHeight, imageWidth, gy, gx)
	}

	p := Reshape(x, batch, gy, gx, na, l.NumOutputs)
	raw = TransposeAllDims(p, 0, 3, 1, 2, 4) // [batch, na, gy, gx, no]
	if training {
		return raw, nil
	}

	cellXY := Const(g, l.cellXY)
	anchorWH := Const(g, l.anchorWH)
	strideXY := ExpandLeftToRank(Const(g, []float32{l.strideX, l.strideY}), raw.Rank())

	xy := Mul(Add(Sigmoid(sliceOutputs(raw, 0, 2)), cellXY), strideXY)
	wh := Mul(Mul(Exp(sliceOutputs(raw, 2, 4)), anchorWH), strideXY)
	conf := Sigmoid(sliceOutputs(raw, 4, l.NumOutputs))
	decoded = Concatenate([]*Node{xy, wh, conf}, -1)
	decoded = Reshape(decoded, batch, na*gy*gx, l.NumOutputs)
	return raw, decoded
}

// applyExport decodes one scale for export mode: scores and boxes are
// returned as separate flat tensors, [m, numScores] and [m, 4], m = na*gy*gx
// per batch example. Single-class heads use the objectness alone as score,
// skipping the per-class sigmoid multiplication.
func (l *YOLOLayer) applyExport(x *Node, imageHeight, imageWidth int) (scores, boxes *Node) {
	raw, _ := l.apply(x, imageHeight, imageWidth, true)
	g := x.Graph()
	dims := raw.Shape().Dimensions
	batch, na, gy, gx := dims[0], dims[1], dims[2], dims[3]
	m := na * gy * gx

	cellXY := Reshape(BroadcastToDims(Const(g, l.cellXY), 1, na, gy, gx, 2), batch*m, 2)
	anchorWH := Reshape(BroadcastToDims(Const(g, l.anchorWH), 1, na, gy, gx, 2), batch*m, 2)
	strideXY := ExpandLeftToRank(Const(g, []float32{l.strideX, l.strideY}), 2)

	p := Reshape(raw, batch*m, l.NumOutputs)
	xy := Mul(Add(Sigmoid(Slice(p, AxisRange(), AxisRange(0, 2))), cellXY), strideXY)
	wh := Mul(Mul(Exp(Slice(p, AxisRange(), AxisRange(2, 4))), anchorWH), strideXY)
	obj := Sigmoid(Slice(p, AxisRange(), AxisRange(4, 5)))
	if l.NumClasses == 1 {
		scores = obj
	} else {
		cls := Sigmoid(Slice(p, AxisRange(), AxisRangeToEnd(5)))
		scores = Mul(cls, obj)
	}
	return scores, Concatenate([]*Node{xy, wh}, -1)
}

// sliceOutputs slices the last axis of a [batch, na, gy, gx, no] tensor.
func sliceOutputs(p *Node, from, to int) *Node {
	return Slice(p, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRange(from, to))
}
