// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"

	"github.com/gomlx/darknet/cfg"
)

// Batch normalization constants used by darknet models.
const (
	batchNormMomentum = 0.997 // keep-fraction; the torch value 0.003 is (1 - keep).
	batchNormEpsilon  = 1e-4
)

// Module is one unit of the built network. Modules map 1:1, in order, to the
// layer sections of the architecture description.
//
// Simple feed-forward modules implement Apply. Modules that read earlier
// outputs (routeModule, WeightFeatureFusion, YOLOLayer) are dispatched
// specially by Model.forward and their Apply panics if called.
type Module interface {
	// Apply builds the module's computation on x and returns its output.
	// ctx is scoped to the module's layer scope.
	Apply(ctx *context.Context, x *Node) *Node
}

// layerScope returns the context scope name of layer i.
func layerScope(i int) string {
	return fmt.Sprintf("layer_%03d", i)
}

// convModule is a 2D convolution with optional batch normalization and
// activation. Its variables are created eagerly at build time so that weight
// files can be bound positionally before the first forward pass.
type convModule struct {
	spec       *cfg.Convolutional
	inChannels int

	// weights is the kernel, shaped [size, size, in/groups, filters]
	// (channels last). biases is nil while batch normalization is active;
	// it is created by BN folding (Model.FuseBatchNorm).
	weights *context.Variable
	biases  *context.Variable

	// Batch normalization moving statistics and affine parameters, nil
	// when the layer has no BN or after folding.
	bnScale, bnOffset, bnMean, bnVariance *context.Variable

	batchNorm  bool
	activation Activation
}

func newConvModule(ctx *context.Context, spec *cfg.Convolutional, inChannels int) *convModule {
	if spec.InFeatures > 0 {
		inChannels = spec.InFeatures
	}
	if inChannels%spec.Groups != 0 {
		Panicf("convolutional layer: %d input channels not divisible by groups=%d", inChannels, spec.Groups)
	}
	m := &convModule{
		spec:       spec,
		inChannels: inChannels,
		batchNorm:  spec.BatchNormalize,
	}
	m.activation, _ = ActivationFromName(spec.Activation)

	kernelShape := shapes.Make(dtypes.Float32, spec.Size, spec.Size, inChannels/spec.Groups, spec.Filters)
	ctxConv := ctx.In("conv")
	m.weights = ctxConv.VariableWithShape("weights", kernelShape)
	if m.batchNorm {
		// Created here, reused by batchnorm.New at graph-building time,
		// so they exist for positional weight loading and BN folding.
		varShape := shapes.Make(dtypes.Float32, spec.Filters)
		ctxBN := ctx.In("batch_normalization")
		m.bnScale = ctxBN.WithInitializer(initializers.One).VariableWithShape("scale", varShape).SetTrainable(true)
		m.bnOffset = ctxBN.WithInitializer(initializers.Zero).VariableWithShape("offset", varShape).SetTrainable(true)
		m.bnMean = ctxBN.WithInitializer(initializers.Zero).VariableWithShape("mean", varShape).SetTrainable(false)
		m.bnVariance = ctxBN.WithInitializer(initializers.One).VariableWithShape("variance", varShape).SetTrainable(false)
	} else {
		m.biases = ctxConv.WithInitializer(initializers.Zero).
			VariableWithShape("biases", shapes.Make(dtypes.Float32, spec.Filters)).
			SetTrainable(true)
	}
	return m
}

func (m *convModule) strides() (strideY, strideX int) {
	if m.spec.Stride > 0 {
		return m.spec.Stride, m.spec.Stride
	}
	return m.spec.StrideY, m.spec.StrideX
}

func (m *convModule) Apply(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	strideY, strideX := m.strides()
	conv := Convolve(x, m.weights.ValueGraph(g)).StridePerDim(strideY, strideX)
	if m.spec.Pad {
		p := (m.spec.Size - 1) / 2
		conv = conv.PaddingPerDim([][2]int{{p, p}, {p, p}})
	} else {
		conv = conv.NoPadding()
	}
	if m.spec.Groups > 1 {
		conv = conv.ChannelGroupCount(m.spec.Groups)
	}
	x = conv.Done()

	if m.batchNorm {
		x = batchnorm.New(ctx.In("batch_normalization").Checked(false), x, -1).
			CurrentScope().
			Momentum(batchNormMomentum).
			Epsilon(batchNormEpsilon).
			Done()
	} else if m.biases != nil {
		bias := m.biases.ValueGraph(g)
		x = Add(x, ExpandLeftToRank(bias, x.Rank()))
	}
	return m.activation.Apply(x)
}

// maxPoolModule. The kernel-2/stride-1 variant grows the right and bottom
// edges with zeros first, so the output keeps the input's spatial size.
type maxPoolModule struct {
	size, stride int
}

func (m *maxPoolModule) Apply(_ *context.Context, x *Node) *Node {
	if m.size == 2 && m.stride == 1 {
		x = GrowRight(x, 1, 1, 0)
		x = GrowRight(x, 2, 1, 0)
		return MaxPool(x).Window(2).Strides(1).NoPadding().Done()
	}
	pool := MaxPool(x).Window(m.size).Strides(m.stride)
	if (m.size-1)/2 > 0 {
		pool = pool.PadSame()
	} else {
		pool = pool.NoPadding()
	}
	return pool.Done()
}

type avgPoolModule struct {
	size, stride int
}

func (m *avgPoolModule) Apply(_ *context.Context, x *Node) *Node {
	pool := MeanPool(x).Window(m.size).Strides(m.stride)
	if (m.size-1)/2 > 0 {
		pool = pool.PadSame()
	} else {
		pool = pool.NoPadding()
	}
	return pool.Done()
}

// upsampleModule scales the spatial dimensions by an integer factor, nearest
// neighbor.
type upsampleModule struct {
	stride int
}

func (m *upsampleModule) Apply(_ *context.Context, x *Node) *Node {
	dims := x.Shape().Dimensions
	return Interpolate(x, NoInterpolation, dims[1]*m.stride, dims[2]*m.stride, NoInterpolation).
		Nearest().Done()
}

// seModule is a squeeze-and-excitation block: global average pooling followed
// by a channel bottleneck (reduction 4) that gates the input channels.
type seModule struct {
	channels int
}

func (m *seModule) Apply(ctx *context.Context, x *Node) *Node {
	squeezed := MeanPool(x).FullShape().Done() // [batch, 1, 1, channels]
	squeezed = Reshape(squeezed, squeezed.Shape().Dimensions[0], m.channels)
	reduced := m.channels / 4
	if reduced < 1 {
		reduced = 1
	}
	gate := layers.Dense(ctx.In("squeeze").Checked(false), squeezed, true, reduced)
	gate = activations.Relu(gate)
	gate = layers.Dense(ctx.In("excite").Checked(false), gate, true, m.channels)
	gate = HardSigmoid(gate)
	gate = Reshape(gate, gate.Shape().Dimensions[0], 1, 1, m.channels)
	return Mul(x, gate)
}

// channelShuffleModule interleaves channels between groups (ShuffleNet).
type channelShuffleModule struct {
	groups int
}

func (m *channelShuffleModule) Apply(_ *context.Context, x *Node) *Node {
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if channels%m.groups != 0 {
		Panicf("channel shuffle: %d channels not divisible by groups=%d", channels, m.groups)
	}
	x = Reshape(x, batch, height, width, m.groups, channels/m.groups)
	x = TransposeAllDims(x, 0, 1, 2, 4, 3)
	return Reshape(x, batch, height, width, channels)
}

// denseModule is a fully connected layer over the flattened input, optionally
// batch normalized.
type denseModule struct {
	spec *cfg.Dense
}

func (m *denseModule) Apply(ctx *context.Context, x *Node) *Node {
	batch := x.Shape().Dimensions[0]
	x = Reshape(x, batch, -1)
	if x.Shape().Dimensions[1] != m.spec.InFeatures {
		Panicf("dense layer expects %d input features, got %d", m.spec.InFeatures, x.Shape().Dimensions[1])
	}
	x = layers.Dense(ctx.Checked(false), x, !m.spec.BatchNormalize, m.spec.OutFeatures)
	if m.spec.BatchNormalize {
		x = batchnorm.New(ctx.In("batch_normalization").Checked(false), x, -1).
			CurrentScope().
			Momentum(batchNormMomentum).
			Epsilon(batchNormEpsilon).
			Done()
	}
	return x
}

// noopModule stands in for unrecognized layer sections, keeping module
// indices aligned with the description.
type noopModule struct{}

func (noopModule) Apply(_ *context.Context, x *Node) *Node { return x }

// routeModule selects or concatenates earlier outputs. Dispatched specially
// by Model.forward since it reads the output history.
type routeModule struct {
	// refs are normalized absolute layer indices, all < the module's own index.
	refs []int
}

func (m *routeModule) Apply(_ *context.Context, _ *Node) *Node {
	Panicf("route module requires the output history; dispatched by Model.forward")
	return nil
}

// apply concatenates the referenced outputs on the channel axis. Referenced
// tensors whose spatial size disagrees with the first reference are first
// downsampled to match (legacy reorg behavior of stride-crossing routes).
func (m *routeModule) apply(history []*Node) *Node {
	if len(m.refs) == 1 {
		return history[m.refs[0]]
	}
	parts := make([]*Node, 0, len(m.refs))
	first := history[m.refs[0]]
	wantY := first.Shape().Dimensions[1]
	wantX := first.Shape().Dimensions[2]
	for _, ref := range m.refs {
		part := history[ref]
		dims := part.Shape().Dimensions
		if dims[1] != wantY || dims[2] != wantX {
			part = Interpolate(part, NoInterpolation, wantY, wantX, NoInterpolation).
				Nearest().Done()
		}
		parts = append(parts, part)
	}
	return Concatenate(parts, -1)
}
