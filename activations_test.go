// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivationFromName(t *testing.T) {
	for name, want := range map[string]Activation{
		"linear":   ActivationNone,
		"none":     ActivationNone,
		"leaky":    ActivationLeaky,
		"relu":     ActivationRelu,
		"relu6":    ActivationRelu6,
		"swish":    ActivationSwish,
		"mish":     ActivationMish,
		"hswish":   ActivationHardSwish,
		"hsigmoid": ActivationHardSigmoid,
	} {
		got, known := ActivationFromName(name)
		assert.True(t, known, name)
		assert.Equal(t, want, got, name)
	}
	got, known := ActivationFromName("warp")
	assert.False(t, known)
	assert.Equal(t, ActivationNone, got)
}

func TestActivationValues(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	input := []float32{-8, -1, 0, 1, 8}
	softplus := func(x float64) float64 { return math.Log1p(math.Exp(x)) }
	for name, want := range map[Activation][]float64{
		ActivationNone:  {-8, -1, 0, 1, 8},
		ActivationLeaky: {-0.8, -0.1, 0, 1, 8},
		ActivationRelu:  {0, 0, 0, 1, 8},
		ActivationRelu6: {0, 0, 0, 1, 6},
		ActivationMish: {
			-8 * math.Tanh(softplus(-8)),
			-1 * math.Tanh(softplus(-1)),
			0,
			1 * math.Tanh(softplus(1)),
			8 * math.Tanh(softplus(8)),
		},
		ActivationHardSigmoid: {0, 2.0 / 6, 0.5, 4.0 / 6, 1},
	} {
		exec := MustNewExec(backend, name.Apply)
		got := tensors.MustCopyFlatData[float32](exec.Call(tensors.FromFlatDataAndDimensions(input, 5))[0])
		require.Len(t, got, len(want))
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-5, "%v(%g)", name, input[i])
		}
	}
}
