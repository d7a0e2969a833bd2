// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// WeightFeatureFusion adds one or more earlier layers' outputs to the current
// tensor (a residual connection, possibly across unequal channel widths).
//
// When the referenced tensor and the current tensor disagree on channel count,
// only the overlapping leading channels are summed; the excess channels of the
// wider tensor pass through unmodified, concatenated after the summed block.
//
// With Weighted set, each term (the current tensor plus each reference) gets a
// learned scalar weight, kept positive by a sigmoid and scaled by 2/(n+1) so
// the fusion starts near an unweighted sum.
type WeightFeatureFusion struct {
	// Refs are normalized absolute layer indices into the output history.
	Refs []int

	// Weighted enables the learned per-term weights.
	Weighted bool

	// weights holds n+1 scalar logits, one per fused term. Nil unless Weighted.
	weights *context.Variable
}

func newWeightFeatureFusion(ctx *context.Context, refs []int, weighted bool) *WeightFeatureFusion {
	f := &WeightFeatureFusion{Refs: refs, Weighted: weighted}
	if weighted {
		f.weights = ctx.WithInitializer(initializers.Zero).
			VariableWithShape("fusion_weights", shapes.Make(dtypes.Float32, len(refs)+1)).
			SetTrainable(true)
	}
	return f
}

func (f *WeightFeatureFusion) Apply(_ *context.Context, x *Node) *Node {
	Panicf("weighted feature fusion requires the output history; dispatched by Model.forward")
	return nil
}

// apply fuses x with the referenced outputs from the history.
func (f *WeightFeatureFusion) apply(x *Node, history []*Node) *Node {
	g := x.Graph()
	var weights *Node
	term := func(i int) *Node {
		return Squeeze(Slice(weights, AxisElem(i)))
	}
	if f.Weighted {
		weights = MulScalar(Sigmoid(f.weights.ValueGraph(g)), 2.0/float64(len(f.Refs)+1))
		x = Mul(x, term(0))
	}
	for i, ref := range f.Refs {
		a := history[ref]
		if f.Weighted {
			a = Mul(a, term(i+1))
		}
		x = fuseChannels(x, a)
	}
	return x
}

// fuseChannels sums x and a over their overlapping leading channels; excess
// channels of the wider tensor are carried through unchanged.
func fuseChannels(x, a *Node) *Node {
	nx := x.Shape().Dimensions[3]
	na := a.Shape().Dimensions[3]
	switch {
	case nx == na:
		return Add(x, a)
	case nx > na:
		head := Add(Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, na)), a)
		tail := Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(na))
		return Concatenate([]*Node{head, tail}, -1)
	default:
		head := Add(x, Slice(a, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, nx)))
		tail := Slice(a, AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(nx))
		return Concatenate([]*Node{head, tail}, -1)
	}
}
