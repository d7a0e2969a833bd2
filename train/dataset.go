// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/darknet"
	"github.com/gomlx/darknet/losses"
)

// Batch is one training batch from the data source: an image tensor
// [batch, height, width, channels] float32 in [0, 1], plus its ground-truth
// boxes.
type Batch struct {
	Images  *tensors.Tensor
	Targets []losses.Target
}

// Source provides training batches. Loading, decoding and augmentation live
// behind this interface; the loop only resizes (multi-scale) and builds
// target grids.
type Source interface {
	Name() string

	// Next returns the next batch, or io.EOF at the end of an epoch.
	Next() (*Batch, error)

	// Reset restarts the source for another epoch.
	Reset()
}

// detectionDataset adapts a Source to the gomlx train.Dataset: it optionally
// rescales batches (multi-scale training) and converts raw targets into the
// dense per-scale label grids the loss consumes.
type detectionDataset struct {
	backend backends.Backend
	source  Source
	hyp     *Hyp
	heads   []*darknet.YOLOLayer

	imageSize  int
	multiScale bool
	accumulate int

	batchIndex  int
	currentSize int
	resizers    map[int]*Exec
}

func newDataset(cfg *Config, hyp *Hyp) *detectionDataset {
	accumulate := cfg.Accumulate
	if accumulate <= 0 {
		accumulate = 1
	}
	return &detectionDataset{
		backend:     cfg.Backend,
		source:      cfg.Source,
		hyp:         hyp,
		heads:       cfg.Model.Heads(),
		imageSize:   cfg.ImageSize,
		multiScale:  cfg.MultiScale,
		accumulate:  accumulate,
		currentSize: cfg.ImageSize,
		resizers:    make(map[int]*Exec),
	}
}

func (d *detectionDataset) Name() string { return d.source.Name() }

func (d *detectionDataset) Reset() {
	d.source.Reset()
}

func (d *detectionDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batch, err := d.source.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	dims := batch.Images.Shape().Dimensions
	if len(dims) != 4 {
		return nil, nil, nil, errors.Errorf("source yielded images of shape %s, want rank-4 NHWC", batch.Images.Shape())
	}

	// Multi-scale: pick a new 32-multiple size between 67% and 150% of the
	// nominal image size, every accumulate batches.
	if d.multiScale && d.batchIndex%d.accumulate == 0 {
		minGrid := (d.imageSize*2/3 + 16) / 32
		maxGrid := d.imageSize * 3 / 2 / 32
		d.currentSize = (minGrid + rand.IntN(maxGrid-minGrid+1)) * 32
	}
	d.batchIndex++

	images := batch.Images
	if dims[1] != d.currentSize || dims[2] != d.currentSize {
		images = d.resize(images, d.currentSize)
		dims = images.Shape().Dimensions
	}

	scales, err := d.hyp.BuildTargets(d.heads, dims[1], dims[2], dims[0], batch.Targets)
	if err != nil {
		return nil, nil, nil, err
	}
	labels = make([]*tensors.Tensor, 0, 3*len(scales))
	for _, scale := range scales {
		labels = append(labels, scale.Tensors()...)
	}
	return nil, []*tensors.Tensor{images}, labels, nil
}

// resize rescales a batch to size x size, bilinear. One compiled program is
// cached per target size (plus per input shape, inside Exec).
func (d *detectionDataset) resize(images *tensors.Tensor, size int) *tensors.Tensor {
	exec := d.resizers[size]
	if exec == nil {
		exec = MustNewExec(d.backend, func(x *Node) *Node {
			return Interpolate(x, NoInterpolation, size, size, NoInterpolation).
				Bilinear().Done()
		})
		d.resizers[size] = exec
	}
	return exec.MustExec(images)[0]
}
