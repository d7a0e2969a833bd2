// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package darknet builds single-stage object detection models (YOLOv3 family)
// from darknet-style architecture descriptions, on top of GoMLX graphs.
//
// A model is built once from a parsed description (see package cfg): each
// layer section becomes one module, variables are created eagerly so legacy
// weight files can be bound positionally, and non-local references
// (route/shortcut/detection heads) are resolved against an output history
// kept during the forward pass.
//
// The forward pass comes in three flavors: training (per-scale raw
// predictions, for the loss), inference (decoded image-space detections plus
// the raw pair), and export (scores and boxes as separate flat tensors).
package darknet

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/darknet/cfg"
)

// Model is a built detection network. Create it with Build.
type Model struct {
	Config *cfg.Config

	// modules maps 1:1, in order, to Config.Layers.
	modules []Module

	// routed marks the layers whose output a later layer (or a detection
	// head) reads; only those are kept in the forward-pass history.
	routed []bool

	// heads are the detection heads, in layer order.
	heads []*YOLOLayer

	// convs are the convolutional modules in layer order, the unit of
	// legacy weight-file binding.
	convs []*convModule

	// outputFilters[0] is the input channel count; outputFilters[i+1] is
	// layer i's output channel count.
	outputFilters []int
}

// NumLayers returns the number of modules (== layer sections).
func (m *Model) NumLayers() int { return len(m.modules) }

// Heads returns the detection heads in layer order.
func (m *Model) Heads() []*YOLOLayer { return m.heads }

// Routed reports whether layer i's output is kept in the forward history.
func (m *Model) Routed(i int) bool { return m.routed[i] }

// OutputChannels returns layer i's output channel count; i == -1 returns the
// network input channel count.
func (m *Model) OutputChannels(i int) int { return m.outputFilters[i+1] }

type forwardMode int

const (
	modeTraining forwardMode = iota
	modeInference
	modeExport
)

// ForwardTraining builds the training forward pass: per-scale raw predictions
// shaped [batch, na, gy, gx, no], one per detection head, undecoded.
func (m *Model) ForwardTraining(ctx *context.Context, image *Node) []*Node {
	raw, _, _, _ := m.forward(ctx, image, modeTraining)
	return raw
}

// ForwardInference builds the inference forward pass. decoded concatenates
// all scales' image-space detections into [batch, m, no] (m summed over
// scales; each row is x, y, w, h in pixels, objectness, class scores, all
// sigmoid-activated). raw is the per-scale undecoded pair, as in training.
func (m *Model) ForwardInference(ctx *context.Context, image *Node) (decoded *Node, raw []*Node) {
	raw, decodedPerScale, _, _ := m.forward(ctx, image, modeInference)
	return Concatenate(decodedPerScale, 1), raw
}

// ForwardExport builds the export forward pass: scores [m, numScores] and
// boxes [m, 4] concatenated over all scales, kept as separate tensors.
// Single-class models use objectness alone as score.
func (m *Model) ForwardExport(ctx *context.Context, image *Node) (scores, boxes *Node) {
	_, _, scoresPerScale, boxesPerScale := m.forward(ctx, image, modeExport)
	return Concatenate(scoresPerScale, 0), Concatenate(boxesPerScale, 0)
}

// ModelFn adapts the model to the gomlx train.Trainer model-function
// signature. inputs[0] is the image batch; the outputs are the per-scale raw
// predictions, which the detection loss consumes.
func (m *Model) ModelFn(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return m.ForwardTraining(ctx, inputs[0])
}

// forward runs the module list over the output history. image is NHWC,
// [batch, height, width, channels].
func (m *Model) forward(ctx *context.Context, image *Node, mode forwardMode) (raw, decoded, scores, boxes []*Node) {
	if image.Rank() != 4 {
		Panicf("model input must be rank-4 [batch, height, width, channels], got %s", image.Shape())
	}
	dims := image.Shape().Dimensions
	if dims[3] != m.Config.Net.Channels {
		Panicf("model input must have %d channels, got %d", m.Config.Net.Channels, dims[3])
	}
	imageHeight, imageWidth := dims[1], dims[2]

	history := make([]*Node, len(m.modules))
	x := image
	for i, module := range m.modules {
		switch mod := module.(type) {
		case *routeModule:
			x = mod.apply(history)
		case *WeightFeatureFusion:
			x = mod.apply(x, history)
		case *YOLOLayer:
			if mode == modeExport {
				s, b := mod.applyExport(x, imageHeight, imageWidth)
				scores = append(scores, s)
				boxes = append(boxes, b)
			} else {
				r, d := mod.apply(x, imageHeight, imageWidth, mode == modeTraining)
				raw = append(raw, r)
				if d != nil {
					decoded = append(decoded, d)
				}
				x = r
			}
		default:
			x = module.Apply(ctx.In(layerScope(i)), x)
		}
		if m.routed[i] {
			history[i] = x
		}
	}
	return
}

// NumParameters returns the total parameter count of the eagerly created
// layer variables (convolution kernels and biases, batch normalization,
// fusion weights). Lazily created variables (dense, squeeze-excitation) are
// not counted until built.
func (m *Model) NumParameters() int {
	total := 0
	for _, conv := range m.convs {
		total += conv.weights.Shape().Size()
		if conv.biases != nil {
			total += conv.biases.Shape().Size()
		}
		if conv.bnScale != nil {
			total += 4 * conv.bnScale.Shape().Size()
		}
	}
	for _, module := range m.modules {
		if fusion, ok := module.(*WeightFeatureFusion); ok && fusion.weights != nil {
			total += fusion.weights.Shape().Size()
		}
	}
	return total
}

// Summary returns a human-readable per-layer summary of the model.
func (m *Model) Summary() string {
	var sb strings.Builder
	for i, spec := range m.Config.Layers {
		routed := " "
		if m.routed[i] {
			routed = "*"
		}
		fmt.Fprintf(&sb, "%3d%s %-40s -> %4d channels\n", i, routed, cfg.Summary(spec), m.outputFilters[i+1])
	}
	fmt.Fprintf(&sb, "%d layers, %s parameters, %d detection heads\n",
		len(m.modules), humanize.Comma(int64(m.NumParameters())), len(m.heads))
	return sb.String()
}
