// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Activation enumerates the activation functions darknet architecture
// descriptions can request on a convolutional layer.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationLeaky
	ActivationRelu
	ActivationRelu6
	ActivationSwish
	ActivationMish
	ActivationHardSwish
	ActivationHardSigmoid
)

var activationNames = map[string]Activation{
	"linear":   ActivationNone,
	"none":     ActivationNone,
	"leaky":    ActivationLeaky,
	"relu":     ActivationRelu,
	"relu6":    ActivationRelu6,
	"swish":    ActivationSwish,
	"mish":     ActivationMish,
	"hswish":   ActivationHardSwish,
	"hsigmoid": ActivationHardSigmoid,
}

// ActivationFromName maps a ".cfg" activation name to its Activation.
// The second result is false for names outside the recognized set -- the
// builder reports those as a diagnostic and falls back to ActivationNone.
func ActivationFromName(name string) (Activation, bool) {
	a, found := activationNames[name]
	return a, found
}

// Apply applies the activation to x. ActivationNone is a no-op.
func (a Activation) Apply(x *Node) *Node {
	switch a {
	case ActivationNone:
		return x
	case ActivationLeaky:
		// Darknet convention, alpha=0.1.
		return activations.LeakyReluWithAlpha(x, 0.1)
	case ActivationRelu:
		return activations.Relu(x)
	case ActivationRelu6:
		return Relu6(x)
	case ActivationSwish:
		return activations.Swish(x)
	case ActivationMish:
		return Mish(x)
	case ActivationHardSwish:
		return activations.HardSwish(x)
	case ActivationHardSigmoid:
		return HardSigmoid(x)
	}
	return x
}

// Relu6 returns `min(max(x, 0), 6)`, the bounded rectifier used by mobile
// detector backbones.
func Relu6(x *Node) *Node {
	return ClipScalar(x, 0, 6)
}

// Mish activation, `x * tanh(softplus(x))`.
//
// See "Mish: A Self Regularized Non-Monotonic Activation Function"
// (Misra, 2019), https://arxiv.org/abs/1908.08681.
func Mish(x *Node) *Node {
	return Mul(x, Tanh(Softplus(x)))
}

// HardSigmoid returns `relu6(x+3)/6`, a piecewise-linear approximation of the
// sigmoid.
func HardSigmoid(x *Node) *Node {
	return DivScalar(Relu6(AddScalar(x, 3)), 6)
}
