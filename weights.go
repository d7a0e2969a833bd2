// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// WeightsHeader is the fixed header of legacy darknet binary weight files:
// a three-part format version followed by the number of images seen during
// training.
type WeightsHeader struct {
	Major, Minor, Revision int32
	Seen                   int64
}

// LoadWeightsFile binds the weights file at path to the model's variables.
// See LoadWeights.
func (m *Model) LoadWeightsFile(path string) (*WeightsHeader, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "LoadWeightsFile(%q)", path)
	}
	defer func() { _ = f.Close() }()
	header, loaded, err := m.LoadWeights(f)
	if err != nil {
		return header, loaded, errors.WithMessagef(err, "LoadWeightsFile(%q)", path)
	}
	return header, loaded, nil
}

// LoadWeights reads a legacy darknet binary weights stream and binds it
// positionally to the model's convolutional layers, in layer order. Per
// layer: the batch normalization offset, scale, mean and variance (or the
// convolution bias when the layer has no BN), then the kernel, stored
// [out, in, h, w] and transposed to the channels-last [h, w, in, out] layout.
//
// Backbone-only files (cutoff files) that end exactly at a layer boundary are
// not an error: loading stops there. The second result is the number of
// convolutional layers restored.
func (m *Model) LoadWeights(r io.Reader) (*WeightsHeader, int, error) {
	header := &WeightsHeader{}
	if err := binary.Read(r, binary.LittleEndian, &header.Major); err != nil {
		return nil, 0, errors.Wrap(err, "reading weights header")
	}
	if err := binary.Read(r, binary.LittleEndian, &header.Minor); err != nil {
		return nil, 0, errors.Wrap(err, "reading weights header")
	}
	if err := binary.Read(r, binary.LittleEndian, &header.Revision); err != nil {
		return nil, 0, errors.Wrap(err, "reading weights header")
	}
	if err := binary.Read(r, binary.LittleEndian, &header.Seen); err != nil {
		return nil, 0, errors.Wrap(err, "reading weights header")
	}

	for loaded, conv := range m.convs {
		out := conv.spec.Filters
		first, err := readFloats(r, out)
		if err == io.EOF {
			return header, loaded, nil // cutoff file, clean boundary
		}
		if err != nil {
			return header, loaded, errors.WithMessagef(err, "conv layer %d", loaded)
		}
		if conv.batchNorm {
			vars := []*context.Variable{conv.bnScale, conv.bnMean, conv.bnVariance}
			conv.bnOffset.MustSetValue(tensors.FromFlatDataAndDimensions(first, out))
			for _, v := range vars {
				flat, err := readFloats(r, out)
				if err != nil {
					return header, loaded, errors.WithMessagef(err, "conv layer %d batch normalization", loaded)
				}
				v.MustSetValue(tensors.FromFlatDataAndDimensions(flat, out))
			}
		} else {
			conv.biases.MustSetValue(tensors.FromFlatDataAndDimensions(first, out))
		}

		kernel, err := readKernel(r, conv)
		if err != nil {
			return header, loaded, errors.WithMessagef(err, "conv layer %d kernel", loaded)
		}
		conv.weights.MustSetValue(kernel)
	}
	return header, len(m.convs), nil
}

// readKernel reads one kernel in darknet's [out, in, h, w] order and returns
// it transposed to [h, w, in, out].
func readKernel(r io.Reader, conv *convModule) (*tensors.Tensor, error) {
	size := conv.spec.Size
	in := conv.inChannels / conv.spec.Groups
	out := conv.spec.Filters
	flat, err := readFloats(r, out*in*size*size)
	if err != nil {
		return nil, err
	}
	transposed := make([]float32, len(flat))
	idx := 0
	for o := 0; o < out; o++ {
		for i := 0; i < in; i++ {
			for kh := 0; kh < size; kh++ {
				for kw := 0; kw < size; kw++ {
					transposed[((kh*size+kw)*in+i)*out+o] = flat[idx]
					idx++
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(transposed, size, size, in, out), nil
}

func readFloats(r io.Reader, n int) ([]float32, error) {
	flat := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, flat); err != nil {
		return nil, err
	}
	return flat, nil
}

// SaveWeightsFile writes the model's weights to path in the legacy darknet
// binary format. See SaveWeights.
func (m *Model) SaveWeightsFile(path string, header *WeightsHeader) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "SaveWeightsFile(%q)", path)
	}
	if err := m.SaveWeights(f, header); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "SaveWeightsFile(%q)", path)
	}
	return errors.Wrapf(f.Close(), "SaveWeightsFile(%q)", path)
}

// SaveWeights writes the model's weights in the legacy darknet binary format,
// the inverse walk of LoadWeights. Every convolutional variable must hold a
// value.
func (m *Model) SaveWeights(w io.Writer, header *WeightsHeader) error {
	if header == nil {
		header = &WeightsHeader{}
	}
	for _, field := range []any{header.Major, header.Minor, header.Revision, header.Seen} {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return errors.Wrap(err, "writing weights header")
		}
	}

	for i, conv := range m.convs {
		if conv.batchNorm {
			for _, v := range []*context.Variable{conv.bnOffset, conv.bnScale, conv.bnMean, conv.bnVariance} {
				if err := writeVariable(w, v); err != nil {
					return errors.WithMessagef(err, "conv layer %d batch normalization", i)
				}
			}
		} else {
			if err := writeVariable(w, conv.biases); err != nil {
				return errors.WithMessagef(err, "conv layer %d bias", i)
			}
		}
		if err := writeKernel(w, conv); err != nil {
			return errors.WithMessagef(err, "conv layer %d kernel", i)
		}
	}
	return nil
}

func writeVariable(w io.Writer, v *context.Variable) error {
	value, err := v.Value()
	if err != nil || value == nil {
		return errors.Errorf("variable %q has no value", v.Name())
	}
	return binary.Write(w, binary.LittleEndian, tensors.MustCopyFlatData[float32](value))
}

// writeKernel writes one kernel transposed back to darknet's [out, in, h, w]
// order.
func writeKernel(w io.Writer, conv *convModule) error {
	value, err := conv.weights.Value()
	if err != nil || value == nil {
		return errors.New("kernel has no value")
	}
	flat := tensors.MustCopyFlatData[float32](value)
	size := conv.spec.Size
	in := conv.inChannels / conv.spec.Groups
	out := conv.spec.Filters
	transposed := make([]float32, len(flat))
	idx := 0
	for o := 0; o < out; o++ {
		for i := 0; i < in; i++ {
			for kh := 0; kh < size; kh++ {
				for kw := 0; kw < size; kw++ {
					transposed[idx] = flat[((kh*size+kw)*in+i)*out+o]
					idx++
				}
			}
		}
	}
	return binary.Write(w, binary.LittleEndian, transposed)
}
