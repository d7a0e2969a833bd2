// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// darknet builds a detection model from an architecture description, binds a
// legacy weights file, and runs a smoke inference pass. It is a demo of the
// library wiring, not a detection tool: real pipelines bring their own image
// loading and evaluation.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/darknet"
	"github.com/gomlx/darknet/cfg"
)

var (
	flagCfg       = flag.String("cfg", "", "Path to the darknet .cfg architecture description.")
	flagWeights   = flag.String("weights", "", "Optional path to a legacy darknet .weights file.")
	flagImageSize = flag.Int("image_size", 416, "Input image size for the smoke inference pass.")
	flagFuse      = flag.Bool("fuse", false, "Fold batch normalization into convolutions before inference.")
	flagConf      = flag.Float64("conf", 0.3, "Confidence threshold for non-max suppression.")
	flagIoU       = flag.Float64("iou", 0.6, "IoU threshold for non-max suppression.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagCfg == "" {
		klog.Exit("missing -cfg: path to the architecture description")
	}

	config := must.M1(cfg.ParseFile(*flagCfg))
	ctx := context.New()
	model, diags, err := darknet.Build(ctx, config)
	must.M(err)
	for _, diag := range diags {
		klog.Warning(diag)
	}
	fmt.Print(model.Summary())

	if *flagWeights != "" {
		header, loaded, err := model.LoadWeightsFile(*flagWeights)
		must.M(err)
		klog.Infof("loaded %d/%d conv layers from %q (version %d.%d.%d, %d images seen)",
			loaded, len(config.Layers), *flagWeights, header.Major, header.Minor, header.Revision, header.Seen)
	}

	backend := backends.MustNew()
	if *flagFuse {
		// Materialize variables first; fusing needs their values.
		runSmoke(backend, ctx, model)
		must.M(model.Fuse(ctx))
		klog.Info("batch normalization folded into convolutions")
	}

	detections := runSmoke(backend, ctx, model)
	results := must.M1(darknet.NonMaxSuppression(detections, float32(*flagConf), float32(*flagIoU), 100))
	fmt.Printf("smoke pass on a zero %dx%d image: %d detections above conf=%.2g\n",
		*flagImageSize, *flagImageSize, len(results[0]), *flagConf)
	for _, d := range results[0] {
		fmt.Printf("  class=%d conf=%.3f box=(%.1f, %.1f)-(%.1f, %.1f)\n",
			d.Class, d.Confidence, d.X1, d.Y1, d.X2, d.Y2)
	}
}

// runSmoke executes one inference pass on a zero image and returns the
// decoded detections.
func runSmoke(backend backends.Backend, ctx *context.Context, model *darknet.Model) *tensors.Tensor {
	image := tensors.FromShape(shapes.Make(dtypes.Float32,
		1, *flagImageSize, *flagImageSize, model.Config.Net.Channels))
	return must.M1(context.ExecOnce(backend, ctx,
		func(ctx *context.Context, image *Node) *Node {
			ctx.SetTraining(image.Graph(), false)
			decoded, _ := model.ForwardInference(ctx, image)
			return decoded
		}, image))
}
