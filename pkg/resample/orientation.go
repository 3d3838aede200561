package resample

import (
	"fmt"
	"math"

	"github.com/menta2k/face-landmarker/pkg/frame"
	"github.com/menta2k/face-landmarker/pkg/types"
)

// Orientation describes how the raw buffer relates to the upright logical image.
// Rotation is the clockwise turn in degrees that makes the raw buffer upright; Mirror then
// flips the upright image horizontally.
type Orientation struct {
	Rotation int  `json:"rotation" yaml:"rotation"`
	Mirror   bool `json:"mirror" yaml:"mirror"`
}

// Validate rejects rotations other than 0, 90, 180 and 270
func (o Orientation) Validate() error {
	switch o.Rotation {
	case 0, 90, 180, 270:
		return nil
	default:
		return fmt.Errorf("%w: rotation must be one of 0, 90, 180, 270, got %d", types.ErrInvalidInput, o.Rotation)
	}
}

// LogicalSize returns the upright image size for a raw buffer size
func (o Orientation) LogicalSize(rawW, rawH int) (int, int) {
	if o.Rotation == 90 || o.Rotation == 270 {
		return rawH, rawW
	}
	return rawW, rawH
}

// ToRaw maps integer logical coordinates to raw buffer coordinates, clamped to the buffer
func (o Orientation) ToRaw(x, y, rawW, rawH int) (int, int) {
	logicalW, _ := o.LogicalSize(rawW, rawH)
	if o.Mirror {
		x = logicalW - 1 - x
	}

	var rx, ry int
	switch o.Rotation {
	case 90:
		rx, ry = y, rawH-1-x
	case 180:
		rx, ry = rawW-1-x, rawH-1-y
	case 270:
		rx, ry = rawW-1-y, x
	default:
		rx, ry = x, y
	}
	return clampInt(rx, 0, rawW-1), clampInt(ry, 0, rawH-1)
}

// view exposes a raw frame in logical coordinates
type view struct {
	src     frame.Image
	orient  Orientation
	rawW    int
	rawH    int
	width   int
	height  int
	needMap bool
}

func newView(src frame.Image, o Orientation) view {
	rawW, rawH := src.Size()
	w, h := o.LogicalSize(rawW, rawH)
	return view{
		src:     src,
		orient:  o,
		rawW:    rawW,
		rawH:    rawH,
		width:   w,
		height:  h,
		needMap: o.Rotation != 0 || o.Mirror,
	}
}

func (v view) at(x, y int) frame.RGB {
	if v.needMap {
		x, y = v.orient.ToRaw(x, y, v.rawW, v.rawH)
	}
	return v.src.At(x, y)
}

// bilinear samples at continuous index coordinates. Neighbour indices are clamped to the
// logical image, which replicates the border.
func (v view) bilinear(x, y float32) frame.RGB {
	fx := floor32(x)
	fy := floor32(y)
	x0 := clampInt(int(fx), 0, v.width-1)
	y0 := clampInt(int(fy), 0, v.height-1)
	x1 := clampInt(int(fx)+1, 0, v.width-1)
	y1 := clampInt(int(fy)+1, 0, v.height-1)
	dx := types.Clamp(x-fx, 0, 1)
	dy := types.Clamp(y-fy, 0, 1)

	top := lerp(v.at(x0, y0), v.at(x1, y0), dx)
	bottom := lerp(v.at(x0, y1), v.at(x1, y1), dx)
	return lerp(top, bottom, dy)
}

func lerp(a, b frame.RGB, t float32) frame.RGB {
	return frame.RGB{
		R: a.R + (b.R-a.R)*t,
		G: a.G + (b.G-a.G)*t,
		B: a.B + (b.B-a.B)*t,
	}
}

func floor32(v float32) float32 {
	return float32(math.Floor(float64(v)))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
