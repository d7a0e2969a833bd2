// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/darknet/cfg"
)

// weightsDescription has one BN conv and one plain conv, the two per-layer
// record layouts of the legacy format.
const weightsDescription = `
[net]
channels=3

[convolutional]
batch_normalize=1
filters=4
size=3
stride=1
pad=1
activation=leaky

[convolutional]
filters=6
size=1
stride=1
activation=linear
`

func buildWeightsModel(t *testing.T) (*context.Context, *Model) {
	config, err := cfg.Parse(strings.NewReader(weightsDescription))
	require.NoError(t, err)
	ctx := context.New()
	model, _, err := Build(ctx, config)
	require.NoError(t, err)
	return ctx, model
}

// fillModel gives every convolutional variable a distinct, position-dependent
// value.
func fillModel(model *Model) {
	seq := float32(0)
	fill := func(n int, dims ...int) *tensors.Tensor {
		flat := make([]float32, n)
		for i := range flat {
			seq++
			flat[i] = seq
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...)
	}
	c0, c1 := model.convs[0], model.convs[1]
	c0.bnOffset.MustSetValue(fill(4, 4))
	c0.bnScale.MustSetValue(fill(4, 4))
	c0.bnMean.MustSetValue(fill(4, 4))
	c0.bnVariance.MustSetValue(fill(4, 4))
	c0.weights.MustSetValue(fill(3*3*3*4, 3, 3, 3, 4))
	c1.biases.MustSetValue(fill(6, 6))
	c1.weights.MustSetValue(fill(1*1*4*6, 1, 1, 4, 6))
}

func flatValue(t *testing.T, v *context.Variable) []float32 {
	value, err := v.Value()
	require.NoError(t, err)
	require.NotNil(t, value)
	return tensors.MustCopyFlatData[float32](value)
}

func TestWeightsRoundTrip(t *testing.T) {
	_, source := buildWeightsModel(t)
	fillModel(source)

	var buf bytes.Buffer
	header := &WeightsHeader{Major: 0, Minor: 2, Revision: 5, Seen: 32013312}
	require.NoError(t, source.SaveWeights(&buf, header))

	// Header (20 bytes) + conv 0 (4 BN arrays + kernel) + conv 1 (bias + kernel).
	wantLen := 20 + 4*(4*4+3*3*3*4) + 4*(6+1*1*4*6)
	require.Equal(t, wantLen, buf.Len())

	_, restored := buildWeightsModel(t)
	gotHeader, loaded, err := restored.LoadWeights(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, header, gotHeader)
	assert.Equal(t, 2, loaded)

	for i := range source.convs {
		s, r := source.convs[i], restored.convs[i]
		assert.Equal(t, flatValue(t, s.weights), flatValue(t, r.weights), "conv %d kernel", i)
		if s.batchNorm {
			assert.Equal(t, flatValue(t, s.bnOffset), flatValue(t, r.bnOffset), "conv %d offset", i)
			assert.Equal(t, flatValue(t, s.bnScale), flatValue(t, r.bnScale), "conv %d scale", i)
			assert.Equal(t, flatValue(t, s.bnMean), flatValue(t, r.bnMean), "conv %d mean", i)
			assert.Equal(t, flatValue(t, s.bnVariance), flatValue(t, r.bnVariance), "conv %d variance", i)
		} else {
			assert.Equal(t, flatValue(t, s.biases), flatValue(t, r.biases), "conv %d bias", i)
		}
	}
}

// TestWeightsKernelTranspose loads a hand-built stream whose kernel floats
// equal their darknet flat index ([out, in, h, w] order) and checks where each
// lands in the channels-last [h, w, in, out] kernel.
func TestWeightsKernelTranspose(t *testing.T) {
	_, model := buildWeightsModel(t)

	var buf bytes.Buffer
	for _, field := range []any{int32(0), int32(2), int32(0), int64(0)} {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, field))
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, make([]float32, 4*4))) // BN arrays
	kernel := make([]float32, 4*3*3*3)
	for i := range kernel {
		kernel[i] = float32(i)
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, kernel))

	// The stream ends at the conv boundary, so only conv 0 is restored.
	_, loaded, err := model.LoadWeights(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, 1, loaded)

	flat := flatValue(t, model.convs[0].weights) // [3, 3, 3, 4]
	at := func(kh, kw, in, out int) float32 {
		return flat[((kh*3+kw)*3+in)*4+out]
	}
	darknetIndex := func(out, in, kh, kw int) float32 {
		return float32(((out*3+in)*3+kh)*3 + kw)
	}
	assert.Equal(t, darknetIndex(0, 0, 0, 0), at(0, 0, 0, 0))
	assert.Equal(t, darknetIndex(0, 0, 0, 1), at(0, 1, 0, 0))
	assert.Equal(t, darknetIndex(2, 1, 0, 2), at(0, 2, 1, 2))
	assert.Equal(t, darknetIndex(3, 2, 2, 1), at(2, 1, 2, 3))
}

func TestWeightsCutoff(t *testing.T) {
	_, source := buildWeightsModel(t)
	fillModel(source)
	var buf bytes.Buffer
	require.NoError(t, source.SaveWeights(&buf, nil))

	// Truncated exactly at the conv boundary: a backbone-only file.
	boundary := 20 + 4*(4*4+3*3*3*4)
	_, restored := buildWeightsModel(t)
	_, loaded, err := restored.LoadWeights(bytes.NewReader(buf.Bytes()[:boundary]))
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, flatValue(t, source.convs[0].weights), flatValue(t, restored.convs[0].weights))

	// Truncated mid-parameter: corrupt, must fail.
	_, restored = buildWeightsModel(t)
	_, loaded, err = restored.LoadWeights(bytes.NewReader(buf.Bytes()[:boundary+10]))
	assert.Error(t, err)
	assert.Equal(t, 1, loaded)

	// Too short for the header.
	_, restored = buildWeightsModel(t)
	_, _, err = restored.LoadWeights(bytes.NewReader(buf.Bytes()[:10]))
	assert.Error(t, err)
}
