// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cfg parses darknet-style network architecture descriptions (".cfg" files).
//
// A description is an ordered list of sections. The first section must be the
// global [net] record, which carries at least the input channel count. Every
// following section describes one layer and maps 1:1, in order, to a module of
// the built network.
//
// Layer sections are parsed into the closed LayerSpec union. Section types not
// in the recognized set parse into *Unrecognized -- they are not an error, so
// the layer indices of an architecture stay aligned even when it includes
// extensions this package does not know about.
package cfg

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind discriminates the recognized layer section types.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindConvolutional
	KindMaxPool
	KindAvgPool
	KindSEModule
	KindChannelShuffle
	KindDense
	KindUpsample
	KindRoute
	KindShortcut
	KindYOLO
)

var kindNames = map[Kind]string{
	KindUnrecognized:   "unrecognized",
	KindConvolutional:  "convolutional",
	KindMaxPool:        "maxpool",
	KindAvgPool:        "avgpool",
	KindSEModule:       "semodule",
	KindChannelShuffle: "shuffle",
	KindDense:          "dense",
	KindUpsample:       "upsample",
	KindRoute:          "route",
	KindShortcut:       "shortcut",
	KindYOLO:           "yolo",
}

// String returns the section name used in ".cfg" files for this kind.
func (k Kind) String() string { return kindNames[k] }

// KindFromName maps a section name to its Kind. Unknown names map to
// KindUnrecognized -- by design not an error, see package documentation.
func KindFromName(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnrecognized
}

// Net is the global hyperparameters record, the first section of every
// architecture description.
type Net struct {
	// Channels is the network input channel count. It seeds the output-channel
	// arithmetic of the graph builder and is the only mandatory attribute.
	Channels int

	// Width and Height are the nominal input resolution. Zero when absent.
	Width, Height int
}

// LayerSpec is the closed union of layer section types. Implementations are
// exactly the *Convolutional, *MaxPool, *AvgPool, *SEModule, *ChannelShuffle,
// *Dense, *Upsample, *Route, *Shortcut, *YOLO and *Unrecognized types of this
// package.
type LayerSpec interface {
	Kind() Kind

	// Line is the 1-based line number of the section header, for diagnostics.
	Line() int
}

// section is embedded by every LayerSpec implementation.
type section struct {
	line int
}

func (s section) Line() int { return s.line }

// Convolutional is a 2D convolution, optionally followed by batch
// normalization and an activation.
type Convolutional struct {
	section
	BatchNormalize bool
	Filters        int
	Size           int
	Stride         int
	// StrideY and StrideX are used instead of Stride when the description
	// gives per-axis strides. Zero when Stride is set.
	StrideY, StrideX int
	Pad              bool
	Groups           int
	// InFeatures overrides the input channel count; 0 means "previous
	// layer's output".
	InFeatures int
	Activation string
}

func (*Convolutional) Kind() Kind { return KindConvolutional }

// MaxPool is a 2D max-pooling layer.
type MaxPool struct {
	section
	Size   int
	Stride int
}

func (*MaxPool) Kind() Kind { return KindMaxPool }

// AvgPool is a 2D average-pooling layer.
type AvgPool struct {
	section
	Size   int
	Stride int
}

func (*AvgPool) Kind() Kind { return KindAvgPool }

// SEModule is a squeeze-and-excitation block over the given channel count.
type SEModule struct {
	section
	InFeatures int
}

func (*SEModule) Kind() Kind { return KindSEModule }

// ChannelShuffle permutes channels between the given number of groups.
type ChannelShuffle struct {
	section
	Groups int
}

func (*ChannelShuffle) Kind() Kind { return KindChannelShuffle }

// Dense is a fully connected layer, optionally batch normalized.
type Dense struct {
	section
	BatchNormalize bool
	InFeatures     int
	OutFeatures    int
}

func (*Dense) Kind() Kind { return KindDense }

// Upsample scales the spatial dimensions by Stride (nearest neighbor).
type Upsample struct {
	section
	Stride int
}

func (*Upsample) Kind() Kind { return KindUpsample }

// Route selects or concatenates earlier layers' outputs.
//
// Layer references are kept exactly as written: negative values are relative
// ("N layers back"), non-negative values are absolute indices. Normalization
// happens once, at build time.
type Route struct {
	section
	Layers []int
}

func (*Route) Kind() Kind { return KindRoute }

// Shortcut adds one or more earlier layers' outputs to the current tensor
// (residual connection). From uses the same reference convention as
// Route.Layers. Weighted requests learned fusion weights.
type Shortcut struct {
	section
	From     []int
	Weighted bool
}

func (*Shortcut) Kind() Kind { return KindShortcut }

// YOLO is a detection head. Anchors is the full anchor table of the network,
// in input-image pixel units; Mask selects which entries this head uses.
type YOLO struct {
	section
	Mask    []int
	Anchors [][2]float32
	Classes int
	// From optionally references the convolutional layers feeding each
	// detection head; used by adaptive fusion and by the smart bias
	// initialization. Usually empty.
	From []int
}

func (*YOLO) Kind() Kind { return KindYOLO }

// Unrecognized records a section type this package does not know. The graph
// builder turns it into a structural no-op so indices stay aligned.
type Unrecognized struct {
	section
	Type string
}

func (*Unrecognized) Kind() Kind { return KindUnrecognized }

// Config is a parsed architecture description.
type Config struct {
	Net    Net
	Layers []LayerSpec
}

// ParseFile reads and parses the architecture description at the given path.
func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cfg.ParseFile(%q)", path)
	}
	defer func() { _ = f.Close() }()
	config, err := Parse(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "cfg.ParseFile(%q)", path)
	}
	return config, nil
}

// rawSection is a section before typing: a name plus key/value attributes.
type rawSection struct {
	line  int
	name  string
	attrs map[string]string
	// order of keys, for deterministic error reporting.
	keys []string
}

// Parse reads an architecture description. The first section must be [net].
func Parse(r io.Reader) (*Config, error) {
	raw, err := scanSections(r)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("cfg: empty architecture description")
	}
	if raw[0].name != "net" {
		return nil, errors.Errorf("cfg: line %d: first section must be [net], got [%s]", raw[0].line, raw[0].name)
	}

	config := &Config{}
	net := &raw[0]
	config.Net.Channels, err = net.intAttr("channels", 0)
	if err != nil {
		return nil, err
	}
	if config.Net.Channels <= 0 {
		return nil, errors.Errorf("cfg: line %d: [net] must set channels > 0", net.line)
	}
	if config.Net.Width, err = net.intAttr("width", 0); err != nil {
		return nil, err
	}
	if config.Net.Height, err = net.intAttr("height", 0); err != nil {
		return nil, err
	}

	config.Layers = make([]LayerSpec, 0, len(raw)-1)
	for i := range raw[1:] {
		spec, err := typeSection(&raw[i+1])
		if err != nil {
			return nil, err
		}
		config.Layers = append(config.Layers, spec)
	}
	return config, nil
}

// scanSections splits the input into raw sections. Lines starting with "#" or
// ";" are comments; blank lines are ignored.
func scanSections(r io.Reader) ([]rawSection, error) {
	var sections []rawSection
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, errors.Errorf("cfg: line %d: malformed section header %q", lineNum, line)
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			sections = append(sections, rawSection{
				line:  lineNum,
				name:  name,
				attrs: make(map[string]string),
			})
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, errors.Errorf("cfg: line %d: expected key=value, got %q", lineNum, line)
		}
		if len(sections) == 0 {
			return nil, errors.Errorf("cfg: line %d: attribute %q before any section", lineNum, line)
		}
		current := &sections[len(sections)-1]
		key = strings.TrimSpace(key)
		if _, dup := current.attrs[key]; dup {
			return nil, errors.Errorf("cfg: line %d: duplicate attribute %q in [%s]", lineNum, key, current.name)
		}
		current.attrs[key] = strings.TrimSpace(value)
		current.keys = append(current.keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "cfg: reading description")
	}
	return sections, nil
}

// typeSection converts a raw section to its typed LayerSpec.
func typeSection(raw *rawSection) (LayerSpec, error) {
	base := section{line: raw.line}
	switch KindFromName(raw.name) {
	case KindConvolutional:
		spec := &Convolutional{section: base}
		var err error
		if spec.BatchNormalize, err = raw.boolAttr("batch_normalize", false); err != nil {
			return nil, err
		}
		if spec.Filters, err = raw.intAttr("filters", 0); err != nil {
			return nil, err
		}
		if spec.Filters <= 0 {
			return nil, errors.Errorf("cfg: line %d: [convolutional] must set filters > 0", raw.line)
		}
		if spec.Size, err = raw.intAttr("size", 1); err != nil {
			return nil, err
		}
		if spec.Stride, err = raw.intAttr("stride", 0); err != nil {
			return nil, err
		}
		if spec.Stride == 0 {
			if spec.StrideY, err = raw.intAttr("stride_y", 0); err != nil {
				return nil, err
			}
			if spec.StrideX, err = raw.intAttr("stride_x", 0); err != nil {
				return nil, err
			}
			if spec.StrideY == 0 || spec.StrideX == 0 {
				spec.Stride = 1
				spec.StrideY, spec.StrideX = 0, 0
			}
		}
		if spec.Pad, err = raw.boolAttr("pad", false); err != nil {
			return nil, err
		}
		if spec.Groups, err = raw.intAttr("groups", 1); err != nil {
			return nil, err
		}
		if spec.InFeatures, err = raw.intAttr("in_features", 0); err != nil {
			return nil, err
		}
		spec.Activation = raw.strAttr("activation", "linear")
		return spec, nil

	case KindMaxPool:
		spec := &MaxPool{section: base}
		var err error
		if spec.Size, err = raw.intAttr("size", 2); err != nil {
			return nil, err
		}
		if spec.Stride, err = raw.intAttr("stride", spec.Size); err != nil {
			return nil, err
		}
		return spec, nil

	case KindAvgPool:
		spec := &AvgPool{section: base}
		var err error
		if spec.Size, err = raw.intAttr("size", 2); err != nil {
			return nil, err
		}
		if spec.Stride, err = raw.intAttr("stride", spec.Size); err != nil {
			return nil, err
		}
		return spec, nil

	case KindSEModule:
		spec := &SEModule{section: base}
		var err error
		if spec.InFeatures, err = raw.intAttr("in_features", 0); err != nil {
			return nil, err
		}
		if spec.InFeatures <= 0 {
			return nil, errors.Errorf("cfg: line %d: [semodule] must set in_features > 0", raw.line)
		}
		return spec, nil

	case KindChannelShuffle:
		spec := &ChannelShuffle{section: base}
		var err error
		if spec.Groups, err = raw.intAttr("groups", 0); err != nil {
			return nil, err
		}
		if spec.Groups <= 0 {
			return nil, errors.Errorf("cfg: line %d: [shuffle] must set groups > 0", raw.line)
		}
		return spec, nil

	case KindDense:
		spec := &Dense{section: base}
		var err error
		if spec.BatchNormalize, err = raw.boolAttr("batch_normalize", false); err != nil {
			return nil, err
		}
		if spec.InFeatures, err = raw.intAttr("in_features", 0); err != nil {
			return nil, err
		}
		if spec.OutFeatures, err = raw.intAttr("out_features", 0); err != nil {
			return nil, err
		}
		if spec.InFeatures <= 0 || spec.OutFeatures <= 0 {
			return nil, errors.Errorf("cfg: line %d: [dense] must set in_features and out_features", raw.line)
		}
		return spec, nil

	case KindUpsample:
		spec := &Upsample{section: base}
		var err error
		if spec.Stride, err = raw.intAttr("stride", 2); err != nil {
			return nil, err
		}
		return spec, nil

	case KindRoute:
		spec := &Route{section: base}
		var err error
		if spec.Layers, err = raw.intListAttr("layers"); err != nil {
			return nil, err
		}
		if len(spec.Layers) == 0 {
			return nil, errors.Errorf("cfg: line %d: [route] must set layers", raw.line)
		}
		return spec, nil

	case KindShortcut:
		spec := &Shortcut{section: base}
		var err error
		if spec.From, err = raw.intListAttr("from"); err != nil {
			return nil, err
		}
		if len(spec.From) == 0 {
			return nil, errors.Errorf("cfg: line %d: [shortcut] must set from", raw.line)
		}
		_, spec.Weighted = raw.attrs["weights_type"]
		return spec, nil

	case KindYOLO:
		spec := &YOLO{section: base}
		var err error
		if spec.Mask, err = raw.intListAttr("mask"); err != nil {
			return nil, err
		}
		if spec.Anchors, err = raw.anchorsAttr("anchors"); err != nil {
			return nil, err
		}
		if spec.Classes, err = raw.intAttr("classes", 0); err != nil {
			return nil, err
		}
		if spec.Classes <= 0 {
			return nil, errors.Errorf("cfg: line %d: [yolo] must set classes > 0", raw.line)
		}
		if len(spec.Mask) == 0 {
			return nil, errors.Errorf("cfg: line %d: [yolo] must set mask", raw.line)
		}
		for _, m := range spec.Mask {
			if m < 0 || m >= len(spec.Anchors) {
				return nil, errors.Errorf("cfg: line %d: [yolo] mask index %d out of range for %d anchors",
					raw.line, m, len(spec.Anchors))
			}
		}
		if _, found := raw.attrs["from"]; found {
			if spec.From, err = raw.intListAttr("from"); err != nil {
				return nil, err
			}
		}
		return spec, nil
	}
	return &Unrecognized{section: base, Type: raw.name}, nil
}

// MaskedAnchors returns the anchors this head uses, selected by its mask.
func (y *YOLO) MaskedAnchors() [][2]float32 {
	selected := make([][2]float32, 0, len(y.Mask))
	for _, m := range y.Mask {
		selected = append(selected, y.Anchors[m])
	}
	return selected
}

func (s *rawSection) strAttr(key, deflt string) string {
	if v, found := s.attrs[key]; found {
		return v
	}
	return deflt
}

func (s *rawSection) intAttr(key string, deflt int) (int, error) {
	v, found := s.attrs[key]
	if !found {
		return deflt, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Errorf("cfg: line %d: attribute %s=%q is not an integer", s.line, key, v)
	}
	return i, nil
}

func (s *rawSection) boolAttr(key string, deflt bool) (bool, error) {
	v, found := s.attrs[key]
	if !found {
		return deflt, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return false, errors.Errorf("cfg: line %d: attribute %s=%q is not a 0/1 flag", s.line, key, v)
	}
	return i != 0, nil
}

func (s *rawSection) intListAttr(key string) ([]int, error) {
	v, found := s.attrs[key]
	if !found {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	list := make([]int, 0, len(parts))
	for _, part := range parts {
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Errorf("cfg: line %d: attribute %s=%q is not a list of integers", s.line, key, v)
		}
		list = append(list, i)
	}
	return list, nil
}

// anchorsAttr parses a flat, comma-separated list of floats into (w, h) pairs.
func (s *rawSection) anchorsAttr(key string) ([][2]float32, error) {
	v, found := s.attrs[key]
	if !found {
		return nil, errors.Errorf("cfg: line %d: [%s] must set %s", s.line, s.name, key)
	}
	parts := strings.Split(v, ",")
	if len(parts)%2 != 0 {
		return nil, errors.Errorf("cfg: line %d: %s=%q must have an even number of values", s.line, key, v)
	}
	anchors := make([][2]float32, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		w, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 32)
		if err != nil {
			return nil, errors.Errorf("cfg: line %d: anchor width %q is not a number", s.line, parts[i])
		}
		h, err := strconv.ParseFloat(strings.TrimSpace(parts[i+1]), 32)
		if err != nil {
			return nil, errors.Errorf("cfg: line %d: anchor height %q is not a number", s.line, parts[i+1])
		}
		anchors = append(anchors, [2]float32{float32(w), float32(h)})
	}
	return anchors, nil
}

// String returns a compact one-line summary, e.g. "convolutional(filters=32, size=3)".
func Summary(spec LayerSpec) string {
	switch s := spec.(type) {
	case *Convolutional:
		return fmt.Sprintf("%s(filters=%d, size=%d)", s.Kind(), s.Filters, s.Size)
	case *Route:
		return fmt.Sprintf("%s(layers=%v)", s.Kind(), s.Layers)
	case *Shortcut:
		return fmt.Sprintf("%s(from=%v)", s.Kind(), s.From)
	case *YOLO:
		return fmt.Sprintf("%s(classes=%d, mask=%v)", s.Kind(), s.Classes, s.Mask)
	case *Unrecognized:
		return fmt.Sprintf("%s(%q)", s.Kind(), s.Type)
	default:
		return spec.Kind().String()
	}
}
