// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroImage(size int) *tensors.Tensor {
	return tensors.FromShape(shapes.Make(dtypes.Float32, 1, size, size, 3))
}

// TestForwardTraining runs the full miniature detector end to end in training
// mode: one raw prediction tensor per head, undecoded.
func TestForwardTraining(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, model, _ := buildDetector(t)

	raw, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, image *Node) *Node {
		ctx.SetTraining(image.Graph(), true)
		outputs := model.ForwardTraining(ctx, image)
		require.Len(t, outputs, 1)
		return outputs[0]
	}, zeroImage(64))
	require.NoError(t, err)

	// 64 px input, strides 2 (maxpool) and 2 (conv) then x2 upsample: 32x32
	// grid, 3 anchors, no = 6.
	assert.Equal(t, []int{1, 3, 32, 32, 6}, raw.Shape().Dimensions)
	head := model.Heads()[0]
	strideY, strideX := head.Stride()
	assert.Equal(t, float32(2), strideY)
	assert.Equal(t, float32(2), strideX)
}

func TestForwardInference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, model, _ := buildDetector(t)

	decoded, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, image *Node) *Node {
		ctx.SetTraining(image.Graph(), false)
		decoded, raw := model.ForwardInference(ctx, image)
		require.Len(t, raw, 1)
		return decoded
	}, zeroImage(64))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3 * 32 * 32, 6}, decoded.Shape().Dimensions)

	// Decoded rows are sigmoid-activated: confidences in (0, 1), box sizes
	// positive.
	flat := tensors.MustCopyFlatData[float32](decoded)
	row := flat[:6]
	assert.Greater(t, row[2], float32(0))
	assert.Greater(t, row[3], float32(0))
	assert.Greater(t, row[4], float32(0))
	assert.Less(t, row[4], float32(1))
}

func TestForwardExport(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, model, _ := buildDetector(t)

	// Single-class model: scores are the objectness alone, [m, 1].
	combined, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, image *Node) *Node {
		ctx.SetTraining(image.Graph(), false)
		scores, boxes := model.ForwardExport(ctx, image)
		require.Equal(t, []int{3 * 32 * 32, 1}, scores.Shape().Dimensions)
		require.Equal(t, []int{3 * 32 * 32, 4}, boxes.Shape().Dimensions)
		return Concatenate([]*Node{boxes, scores}, -1)
	}, zeroImage(64))
	require.NoError(t, err)
	assert.Equal(t, []int{3 * 32 * 32, 5}, combined.Shape().Dimensions)
}

// TestForwardMultiScale rebuilds the same model graph at a different input
// size; grid geometry must follow.
func TestForwardMultiScale(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, model, _ := buildDetector(t)

	forward := func(size int) *tensors.Tensor {
		raw, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, image *Node) *Node {
			ctx.SetTraining(image.Graph(), true)
			return model.ForwardTraining(ctx, image)[0]
		}, zeroImage(size))
		require.NoError(t, err)
		return raw
	}

	assert.Equal(t, []int{1, 3, 32, 32, 6}, forward(64).Shape().Dimensions)
	assert.Equal(t, []int{1, 3, 48, 48, 6}, forward(96).Shape().Dimensions)
	assert.Equal(t, 2, model.Heads()[0].GridRebuilds())
}

func TestForwardBadInput(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, model, _ := buildDetector(t)

	// Wrong channel count must be rejected at graph-building time.
	bad := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 64, 64, 4))
	_, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, image *Node) *Node {
		return model.ForwardTraining(ctx, image)[0]
	}, bad)
	assert.Error(t, err)
}
