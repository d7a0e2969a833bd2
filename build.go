// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/darknet/cfg"
)

// Diagnostic is a non-fatal condition found while building a model:
// unrecognized layer sections or activations, skipped bias initialization.
// The builder never logs; callers decide what to do with these.
type Diagnostic struct {
	// Layer is the 0-based index of the layer the condition refers to.
	Layer   int
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("layer %d: %s", d.Layer, d.Message)
}

// Build creates a Model from a parsed architecture description. All layer
// variables are created eagerly under ctx, in per-layer scopes
// ("layer_000", "layer_001", ...), so weight files can be bound before the
// first forward pass.
//
// Malformed structure (bad layer references, channel mismatches) is an error.
// Unrecognized sections and activation names, and detection-head bias
// initialization that cannot be applied, degrade to Diagnostics.
func Build(ctx *context.Context, config *cfg.Config) (*Model, []Diagnostic, error) {
	m := &Model{
		Config: config,
		// Position 0 is the network input channel count; layer i's output
		// channels live at position i+1.
		outputFilters: make([]int, 1, len(config.Layers)+1),
		modules:       make([]Module, 0, len(config.Layers)),
		routed:        make([]bool, len(config.Layers)),
	}
	m.outputFilters[0] = config.Net.Channels
	var diags []Diagnostic
	yoloIndex := -1

	for i, spec := range config.Layers {
		ctxLayer := ctx.In(layerScope(i))
		prevFilters := m.outputFilters[len(m.outputFilters)-1]
		filters := prevFilters
		var module Module

		switch s := spec.(type) {
		case *cfg.Convolutional:
			if _, known := ActivationFromName(s.Activation); !known {
				diags = append(diags, Diagnostic{i, fmt.Sprintf("unknown activation %q, using linear", s.Activation)})
			}
			conv := newConvModule(ctxLayer, s, prevFilters)
			module = conv
			filters = s.Filters
			if !s.BatchNormalize {
				// Detection-head convs carry no BN; their raw output is
				// what the heads read.
				m.routed[i] = true
			}

		case *cfg.MaxPool:
			module = &maxPoolModule{size: s.Size, stride: s.Stride}

		case *cfg.AvgPool:
			module = &avgPoolModule{size: s.Size, stride: s.Stride}

		case *cfg.SEModule:
			module = &seModule{channels: s.InFeatures}

		case *cfg.ChannelShuffle:
			module = &channelShuffleModule{groups: s.Groups}

		case *cfg.Dense:
			module = &denseModule{spec: s}
			filters = s.OutFeatures

		case *cfg.Upsample:
			module = &upsampleModule{stride: s.Stride}

		case *cfg.Route:
			refs, err := normalizeRefs(s.Layers, i)
			if err != nil {
				return nil, diags, errors.WithMessagef(err, "line %d: [route]", s.Line())
			}
			filters = 0
			for _, ref := range refs {
				filters += m.outputFilters[ref+1]
				m.routed[ref] = true
			}
			module = &routeModule{refs: refs}

		case *cfg.Shortcut:
			refs, err := normalizeRefs(s.From, i)
			if err != nil {
				return nil, diags, errors.WithMessagef(err, "line %d: [shortcut]", s.Line())
			}
			for _, ref := range refs {
				m.routed[ref] = true
			}
			module = newWeightFeatureFusion(ctxLayer, refs, s.Weighted)

		case *cfg.YOLO:
			yoloIndex++
			head := newYOLOLayer(s, yoloIndex)
			m.heads = append(m.heads, head)
			module = head
			if diag := m.initDetectionBias(head, s, i); diag != nil {
				diags = append(diags, *diag)
			}

		case *cfg.Unrecognized:
			diags = append(diags, Diagnostic{i, fmt.Sprintf("unrecognized section [%s], treating as no-op", s.Type)})
			module = noopModule{}

		default:
			return nil, diags, errors.Errorf("line %d: unhandled layer spec %T", spec.Line(), spec)
		}

		m.modules = append(m.modules, module)
		m.outputFilters = append(m.outputFilters, filters)
		if conv, ok := module.(*convModule); ok {
			m.convs = append(m.convs, conv)
		}
	}

	if len(m.modules) != len(config.Layers) {
		return nil, diags, errors.Errorf("built %d modules for %d layers", len(m.modules), len(config.Layers))
	}
	return m, diags, nil
}

// normalizeRefs converts the mixed relative/absolute layer references of
// [route]/[shortcut] sections to absolute indices, validating that every
// reference points strictly before layer i.
func normalizeRefs(refs []int, i int) ([]int, error) {
	normalized := make([]int, len(refs))
	for k, ref := range refs {
		abs := ref
		if ref < 0 {
			abs = i + ref
		}
		if abs < 0 || abs >= i {
			return nil, errors.Errorf("reference %d does not point to an earlier layer (have %d layers so far)", ref, i)
		}
		normalized[k] = abs
	}
	return normalized, nil
}

// initDetectionBias applies the "smart" bias initialization to the conv
// feeding detection head: after it, the mean of the objectness biases is
// -4.5 and the mean of the class biases is log(1/(classes-0.99)). Any reason
// it cannot be applied is returned as a Diagnostic, never an error.
func (m *Model) initDetectionBias(head *YOLOLayer, spec *cfg.YOLO, i int) *Diagnostic {
	src := i - 1
	if head.Index < len(spec.From) {
		refs, err := normalizeRefs(spec.From[head.Index:head.Index+1], i)
		if err != nil {
			return &Diagnostic{i, fmt.Sprintf("bias init skipped: %v", err)}
		}
		src = refs[0]
	}
	if src < 0 || src >= len(m.modules) {
		return &Diagnostic{i, "bias init skipped: no preceding layer"}
	}
	conv, ok := m.modules[src].(*convModule)
	if !ok {
		return &Diagnostic{i, fmt.Sprintf("bias init skipped: layer %d is not convolutional", src)}
	}
	if conv.biases == nil {
		return &Diagnostic{i, fmt.Sprintf("bias init skipped: layer %d has batch normalization", src)}
	}
	na, no := head.NumAnchors(), head.NumOutputs
	if conv.spec.Filters != na*no {
		return &Diagnostic{i, fmt.Sprintf("bias init skipped: layer %d has %d filters, head needs %d (na=%d x no=%d)",
			src, conv.spec.Filters, na*no, na, no)}
	}

	bias := make([]float32, na*no)
	if value, err := conv.biases.Value(); err == nil && value != nil {
		copy(bias, tensors.MustCopyFlatData[float32](value))
	}
	var objMean, clsMean float64
	for a := 0; a < na; a++ {
		objMean += float64(bias[a*no+4])
		for c := 0; c < head.NumClasses; c++ {
			clsMean += float64(bias[a*no+5+c])
		}
	}
	objMean /= float64(na)
	clsMean /= float64(na * head.NumClasses)
	objShift := float32(-4.5 - objMean)
	clsShift := float32(math.Log(1/(float64(head.NumClasses)-0.99)) - clsMean)
	for a := 0; a < na; a++ {
		bias[a*no+4] += objShift
		for c := 0; c < head.NumClasses; c++ {
			bias[a*no+5+c] += clsShift
		}
	}
	conv.biases.MustSetValue(tensors.FromFlatDataAndDimensions(bias, na*no))
	return nil
}
