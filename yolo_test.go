// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/darknet/cfg"
)

func newTestHead() *YOLOLayer {
	return newYOLOLayer(&cfg.YOLO{
		Mask:    []int{0, 1},
		Anchors: [][2]float32{{10, 14}, {23, 27}},
		Classes: 1,
	}, 0)
}

// TestYOLOTrainingReshape verifies the training-mode output is a pure
// relayout: feature channel a*no+o lands at raw[b, a, y, x, o].
func TestYOLOTrainingReshape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	head := newTestHead()
	na, no, gy, gx := head.NumAnchors(), head.NumOutputs, 4, 4

	input := make([]float32, gy*gx*na*no)
	for i := range input {
		input[i] = float32(i % (na * no)) // channel index
	}
	x := tensors.FromFlatDataAndDimensions(input, 1, gy, gx, na*no)

	exec := MustNewExec(backend, func(x *Node) *Node {
		raw, _ := head.apply(x, gy*2, gx*2, true)
		return raw
	})
	raw := exec.Call(x)[0]
	require.Equal(t, []int{1, na, gy, gx, no}, raw.Shape().Dimensions)

	flat := tensors.MustCopyFlatData[float32](raw)
	for a := 0; a < na; a++ {
		for y := 0; y < gy; y++ {
			for xx := 0; xx < gx; xx++ {
				for o := 0; o < no; o++ {
					idx := (((a*gy+y)*gx)+xx)*no + o
					assert.Equal(t, float32(a*no+o), flat[idx],
						"anchor %d cell (%d,%d) output %d", a, y, xx, o)
				}
			}
		}
	}
}

// TestYOLODecode runs inference on zero logits: the decoded box center is the
// cell center in pixels, width/height are the raw anchors, confidences 0.5.
func TestYOLODecode(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	head := newTestHead()
	na, no, gy, gx := head.NumAnchors(), head.NumOutputs, 4, 4
	const imageSize = 8 // stride 2

	exec := MustNewExec(backend, func(x *Node) *Node {
		_, decoded := head.apply(x, imageSize, imageSize, false)
		return decoded
	})
	x := tensors.FromShape(shapes.Make(dtypes.Float32, 1, gy, gx, na*no))
	decoded := exec.Call(x)[0]
	require.Equal(t, []int{1, na * gy * gx, no}, decoded.Shape().Dimensions)

	strideY, strideX := head.Stride()
	assert.Equal(t, float32(2), strideY)
	assert.Equal(t, float32(2), strideX)

	flat := tensors.MustCopyFlatData[float32](decoded)
	check := func(a, y, xx int, want []float32) {
		row := (a*gy+y)*gx + xx
		got := flat[row*no : row*no+no]
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-5, "anchor %d cell (%d,%d) output %d", a, y, xx, i)
		}
	}
	check(0, 0, 0, []float32{1, 1, 10, 14, 0.5, 0.5})
	check(1, 2, 3, []float32{7, 5, 23, 27, 0.5, 0.5})
}

func TestYOLOGridAnchors(t *testing.T) {
	head := newTestHead()
	head.createGrids(8, 8, 4, 4)
	assert.Equal(t, [][2]float32{{5, 7}, {11.5, 13.5}}, head.GridAnchors())
}

// TestYOLOGridCache verifies grid geometry is rebuilt only when the feature
// map's spatial size changes (multi-scale training).
func TestYOLOGridCache(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	head := newTestHead()
	na, no := head.NumAnchors(), head.NumOutputs

	exec := MustNewExec(backend, func(x *Node) *Node {
		dims := x.Shape().Dimensions
		raw, _ := head.apply(x, dims[1]*2, dims[2]*2, true)
		return raw
	})

	small := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 4, 4, na*no))
	exec.Call(small)
	assert.Equal(t, 1, head.GridRebuilds())
	gy, gx := head.GridSize()
	assert.Equal(t, [2]int{4, 4}, [2]int{gy, gx})

	// Same shape hits the compiled graph again, no rebuild.
	exec.Call(small)
	assert.Equal(t, 1, head.GridRebuilds())

	big := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 8, 8, na*no))
	exec.Call(big)
	assert.Equal(t, 2, head.GridRebuilds())
	gy, gx = head.GridSize()
	assert.Equal(t, [2]int{8, 8}, [2]int{gy, gx})
}
