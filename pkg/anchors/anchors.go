package anchors

import (
	"fmt"
	"math"

	"github.com/menta2k/face-landmarker/pkg/types"
)

// Anchor is a candidate box in normalized model-input space
type Anchor struct {
	XCenter float32
	YCenter float32
	Width   float32
	Height  float32
}

// Options configures the anchor grid. The generated order is
// (stride index, row, column, aspect ratio, interpolated anchor) and must match the
// order of the model's regression output.
type Options struct {
	InputWidth  int
	InputHeight int

	// Strides lists the feature-map stride of every output layer
	Strides []int
	// Scales holds one scale per stride. An extra trailing entry is used as the
	// "next" scale of the last layer when interpolated anchors are enabled.
	Scales       []float32
	AspectRatios []float32

	AnchorOffsetX float32
	AnchorOffsetY float32

	// FixedAnchorSize uses the scale directly as the anchor size; otherwise the scale is
	// divided by the input dimension.
	FixedAnchorSize bool

	// InterpolatedScaleAspectRatio enables one extra anchor per cell when positive. Its
	// scale is the geometric mean of the current and next scale.
	InterpolatedScaleAspectRatio float32
}

// ShortRangeOptions returns the grid used by the 128x128 short-range face detector
// (896 anchors).
func ShortRangeOptions() Options {
	return Options{
		InputWidth:                   128,
		InputHeight:                  128,
		Strides:                      []int{8, 16, 16, 16},
		Scales:                       []float32{0.1484375, 0.2109375, 0.2734375, 0.3359375, 0.3984375},
		AspectRatios:                 []float32{1.0},
		AnchorOffsetX:                0.5,
		AnchorOffsetY:                0.5,
		FixedAnchorSize:              true,
		InterpolatedScaleAspectRatio: 1.0,
	}
}

// Validate checks the options for values that cannot produce a grid
func (o Options) Validate() error {
	if o.InputWidth <= 0 || o.InputHeight <= 0 {
		return fmt.Errorf("%w: anchor input size must be positive, got %dx%d",
			types.ErrConfiguration, o.InputWidth, o.InputHeight)
	}
	if len(o.Strides) == 0 {
		return fmt.Errorf("%w: at least one anchor stride is required", types.ErrConfiguration)
	}
	if len(o.Scales) < len(o.Strides) {
		return fmt.Errorf("%w: need one scale per stride (%d strides, %d scales)",
			types.ErrConfiguration, len(o.Strides), len(o.Scales))
	}
	for i, s := range o.Strides {
		if s <= 0 {
			return fmt.Errorf("%w: stride %d must be positive, got %d", types.ErrConfiguration, i, s)
		}
	}
	for i, ar := range o.AspectRatios {
		if ar <= 0 {
			return fmt.Errorf("%w: aspect ratio %d must be positive, got %f", types.ErrConfiguration, i, ar)
		}
	}
	if len(o.AspectRatios) == 0 && o.InterpolatedScaleAspectRatio <= 0 {
		return fmt.Errorf("%w: no aspect ratios and no interpolated anchor", types.ErrConfiguration)
	}
	return nil
}

// PerCell returns how many anchors are emitted for every feature-map cell
func (o Options) PerCell() int {
	n := len(o.AspectRatios)
	if o.InterpolatedScaleAspectRatio > 0 {
		n++
	}
	return n
}

// Count returns the number of anchors Generate produces, without building them
func Count(o Options) int {
	total := 0
	for _, stride := range o.Strides {
		if stride <= 0 {
			continue
		}
		total += featureMapSize(o.InputHeight, stride) * featureMapSize(o.InputWidth, stride) * o.PerCell()
	}
	return total
}

// Generate builds the anchor list for the options
func Generate(o Options) ([]Anchor, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	out := make([]Anchor, 0, Count(o))
	for layer, stride := range o.Strides {
		scale := o.Scales[layer]
		next := o.Scales[len(o.Scales)-1]
		if layer+1 < len(o.Scales) {
			next = o.Scales[layer+1]
		}

		fmH := featureMapSize(o.InputHeight, stride)
		fmW := featureMapSize(o.InputWidth, stride)
		for y := 0; y < fmH; y++ {
			cy := (float32(y) + o.AnchorOffsetY) / float32(fmH)
			for x := 0; x < fmW; x++ {
				cx := (float32(x) + o.AnchorOffsetX) / float32(fmW)
				for _, ar := range o.AspectRatios {
					out = append(out, o.anchor(cx, cy, scale, ar))
				}
				if o.InterpolatedScaleAspectRatio > 0 {
					interpolated := float32(math.Sqrt(float64(scale) * float64(next)))
					out = append(out, o.anchor(cx, cy, interpolated, o.InterpolatedScaleAspectRatio))
				}
			}
		}
	}
	return out, nil
}

func (o Options) anchor(cx, cy, scale, aspectRatio float32) Anchor {
	sq := float32(math.Sqrt(float64(aspectRatio)))
	a := Anchor{
		XCenter: cx,
		YCenter: cy,
		Width:   scale * sq,
		Height:  scale / sq,
	}
	if !o.FixedAnchorSize {
		a.Width /= float32(o.InputWidth)
		a.Height /= float32(o.InputHeight)
	}
	return a
}

// featureMapSize is ceil(dim / stride)
func featureMapSize(dim, stride int) int {
	return (dim + stride - 1) / stride
}
