// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/darknet/cfg"
)

// detectorDescription is a miniature single-head detector used across tests:
// two strides of downsampling, an upsample, a cross-scale route and a
// detection head with 3 anchors over 1 class (no = 6).
const detectorDescription = `
[net]
channels=3
width=64
height=64

[convolutional]
batch_normalize=1
filters=8
size=3
stride=1
pad=1
activation=leaky

[maxpool]
size=2
stride=2

[convolutional]
batch_normalize=1
filters=16
size=3
stride=2
pad=1
activation=leaky

[upsample]
stride=2

[route]
layers=-1,1

[convolutional]
filters=18
size=1
stride=1
pad=1
activation=linear

[yolo]
mask=0,1,2
anchors=10,13, 16,30, 33,23
classes=1
`

func buildDetector(t *testing.T) (*context.Context, *Model, []Diagnostic) {
	config, err := cfg.Parse(strings.NewReader(detectorDescription))
	require.NoError(t, err)
	ctx := context.New()
	model, diags, err := Build(ctx, config)
	require.NoError(t, err)
	return ctx, model, diags
}

func TestBuild(t *testing.T) {
	_, model, diags := buildDetector(t)
	assert.Empty(t, diags)
	assert.Equal(t, 7, model.NumLayers())
	require.Len(t, model.Heads(), 1)

	// Output-channel arithmetic: the route concatenates layers 3 and 1.
	assert.Equal(t, 3, model.OutputChannels(-1))
	assert.Equal(t, 8, model.OutputChannels(0))
	assert.Equal(t, 8, model.OutputChannels(1))
	assert.Equal(t, 16, model.OutputChannels(2))
	assert.Equal(t, 16, model.OutputChannels(3))
	assert.Equal(t, 24, model.OutputChannels(4))
	assert.Equal(t, 18, model.OutputChannels(5))

	// Only layers another layer (or a head) reads are kept in the history:
	// the route's references, and the BN-less conv feeding the head.
	for i, want := range []bool{false, true, false, true, false, true, false} {
		assert.Equal(t, want, model.Routed(i), "layer %d", i)
	}
}

func TestBuildDetectionBias(t *testing.T) {
	_, model, _ := buildDetector(t)
	conv := model.convs[2]
	require.NotNil(t, conv.biases, "head-feeding conv must carry biases")
	value, err := conv.biases.Value()
	require.NoError(t, err)
	bias := tensors.MustCopyFlatData[float32](value)
	require.Len(t, bias, 18)

	// classes=1: the class bias is log(1/(1-0.99)) = log(100).
	wantCls := float32(math.Log(100))
	for a := 0; a < 3; a++ {
		assert.InDelta(t, -4.5, bias[a*6+4], 1e-5, "objectness bias, anchor %d", a)
		assert.InDelta(t, wantCls, bias[a*6+5], 1e-5, "class bias, anchor %d", a)
		for o := 0; o < 4; o++ {
			assert.Zero(t, bias[a*6+o], "box bias, anchor %d output %d", a, o)
		}
	}
}

func TestBuildBiasSkippedUnderBN(t *testing.T) {
	config, err := cfg.Parse(strings.NewReader(`
[net]
channels=3

[convolutional]
batch_normalize=1
filters=18
size=1
pad=1

[yolo]
mask=0,1,2
anchors=10,13, 16,30, 33,23
classes=1
`))
	require.NoError(t, err)
	_, diags, err := Build(context.New(), config)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, 1, diags[0].Layer)
	assert.Contains(t, diags[0].Message, "bias init skipped")
}

func TestBuildDiagnostics(t *testing.T) {
	config, err := cfg.Parse(strings.NewReader(`
[net]
channels=3

[convolutional]
filters=4
size=1
activation=quux

[frobnicate]
level=11
`))
	require.NoError(t, err)
	model, diags, err := Build(context.New(), config)
	require.NoError(t, err)
	require.Len(t, diags, 2)
	assert.Contains(t, diags[0].Message, `unknown activation "quux"`)
	assert.Contains(t, diags[1].Message, "unrecognized section [frobnicate]")
	// The no-op keeps indices aligned and passes channels through.
	assert.Equal(t, 2, model.NumLayers())
	assert.Equal(t, 4, model.OutputChannels(1))
}

func TestBuildBadReferences(t *testing.T) {
	for name, text := range map[string]string{
		"route too far back": `
[net]
channels=3

[convolutional]
filters=4
size=1

[route]
layers=-5
`,
		"shortcut to self": `
[net]
channels=3

[convolutional]
filters=4
size=1

[shortcut]
from=1
`,
	} {
		t.Run(name, func(t *testing.T) {
			config, err := cfg.Parse(strings.NewReader(text))
			require.NoError(t, err)
			_, _, err = Build(context.New(), config)
			assert.Error(t, err)
		})
	}
}

func TestModelSummary(t *testing.T) {
	_, model, _ := buildDetector(t)
	summary := model.Summary()
	assert.Contains(t, summary, "convolutional(filters=8, size=3)")
	assert.Contains(t, summary, "1 detection heads")
	assert.Greater(t, model.NumParameters(), 0)
}
