// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Fuse folds every convolution's batch normalization into its kernel and a
// new bias, in place. Inference outputs are numerically preserved; the fused
// model is cheaper to run but can no longer be trained with batch
// normalization. The operation is one-way.
//
// ctx must be the same context the model was built under. Variables must hold
// values (loaded or materialized by a previous execution); fusing a model
// whose variables were never initialized is an error.
func (m *Model) Fuse(ctx *context.Context) error {
	for i, module := range m.modules {
		conv, ok := module.(*convModule)
		if !ok || !conv.batchNorm {
			continue
		}
		if err := m.fuseConv(ctx.In(layerScope(i)), conv); err != nil {
			return errors.WithMessagef(err, "fusing batch normalization of layer %d", i)
		}
	}
	return nil
}

func (m *Model) fuseConv(ctxLayer *context.Context, conv *convModule) error {
	out := conv.spec.Filters
	scale, err := bnValues(conv.bnScale, out, 1)
	if err != nil {
		return err
	}
	offset, err := bnValues(conv.bnOffset, out, 0)
	if err != nil {
		return err
	}
	mean, err := bnValues(conv.bnMean, out, 0)
	if err != nil {
		return err
	}
	variance, err := bnValues(conv.bnVariance, out, 1)
	if err != nil {
		return err
	}
	kernel, err := conv.weights.Value()
	if err != nil || kernel == nil {
		return errors.New("convolution kernel has no value; load weights or run the model first")
	}

	// factor folds the normalization's scale and denominator; the kernel's
	// output-channel axis is last, so flat index % out is the channel.
	factor := make([]float32, out)
	for c := 0; c < out; c++ {
		factor[c] = scale[c] / float32(math.Sqrt(float64(variance[c])+batchNormEpsilon))
	}
	weights := tensors.MustCopyFlatData[float32](kernel)
	for idx := range weights {
		weights[idx] *= factor[idx%out]
	}
	bias := make([]float32, out)
	for c := 0; c < out; c++ {
		bias[c] = offset[c] - mean[c]*factor[c]
	}

	conv.weights.MustSetValue(tensors.FromFlatDataAndDimensions(weights, kernel.Shape().Dimensions...))
	conv.biases = ctxLayer.In("conv").Checked(false).
		VariableWithValue("biases", tensors.FromFlatDataAndDimensions(bias, out)).
		SetTrainable(true)
	conv.batchNorm = false

	ctxBN := ctxLayer.In("batch_normalization")
	for _, name := range []string{"scale", "offset", "mean", "variance", "avg_weight"} {
		_ = ctxBN.DeleteVariable(ctxBN.Scope(), name)
	}
	conv.bnScale, conv.bnOffset, conv.bnMean, conv.bnVariance = nil, nil, nil, nil
	return nil
}

// bnValues reads a batch-normalization variable's value as a flat float32
// slice. A variable that exists but was never materialized falls back to its
// initializer's constant (1 for scale/variance, 0 for offset/mean).
func bnValues(v *context.Variable, size int, deflt float32) ([]float32, error) {
	if v == nil {
		return nil, errors.New("batch normalization variable missing")
	}
	value, err := v.Value()
	if err != nil || value == nil {
		flat := make([]float32, size)
		for i := range flat {
			flat[i] = deflt
		}
		return flat, nil
	}
	if !value.Shape().Equal(shapes.Make(dtypes.Float32, size)) {
		return nil, errors.Errorf("batch normalization variable %q has shape %s, expected [%d]",
			v.Name(), value.Shape(), size)
	}
	return tensors.MustCopyFlatData[float32](value), nil
}
