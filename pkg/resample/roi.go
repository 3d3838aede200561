package resample

import (
	"fmt"
	"math"

	"golang.org/x/image/math/f64"

	"github.com/menta2k/face-landmarker/pkg/frame"
	"github.com/menta2k/face-landmarker/pkg/types"
)

// ROI is a rotated rectangle of the logical image expressed in pixels. It maps the
// model-input square [-1,1]x[-1,1] onto the image.
type ROI struct {
	Rect        types.NormalizedRect
	ImageWidth  int
	ImageHeight int

	centerX float32
	centerY float32
	width   float32
	height  float32

	// toImage maps normalized crop coordinates to logical image pixels
	toImage f64.Aff3
}

// NewROI converts a normalized rect to pixels. A non-positive width or height is
// replaced by the full image dimension.
func NewROI(rect types.NormalizedRect, imageW, imageH int) (ROI, error) {
	if imageW <= 0 || imageH <= 0 {
		return ROI{}, fmt.Errorf("%w: image size must be positive, got %dx%d", types.ErrInvalidInput, imageW, imageH)
	}
	for _, v := range []float32{rect.XCenter, rect.YCenter, rect.Width, rect.Height, rect.Rotation} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return ROI{}, fmt.Errorf("%w: rect has non-finite values %+v", types.ErrInvalidInput, rect)
		}
	}

	r := ROI{
		Rect:        rect,
		ImageWidth:  imageW,
		ImageHeight: imageH,
		centerX:     rect.XCenter * float32(imageW),
		centerY:     rect.YCenter * float32(imageH),
		width:       rect.Width * float32(imageW),
		height:      rect.Height * float32(imageH),
	}
	if r.width <= 0 {
		r.width = float32(imageW)
	}
	if r.height <= 0 {
		r.height = float32(imageH)
	}

	sin, cos := math.Sincos(float64(rect.Rotation))
	hw, hh := float64(r.width)/2, float64(r.height)/2
	r.toImage = f64.Aff3{
		cos * hw, -sin * hh, float64(r.centerX),
		sin * hw, cos * hh, float64(r.centerY),
	}
	return r, nil
}

// WidthPixels returns the ROI width in logical image pixels
func (r ROI) WidthPixels() float32 {
	return r.width
}

// HeightPixels returns the ROI height in logical image pixels
func (r ROI) HeightPixels() float32 {
	return r.height
}

// Project maps crop coordinates in [-1,1] to logical image pixels
func (r ROI) Project(nx, ny float32) (float32, float32) {
	m := r.toImage
	fx, fy := float64(nx), float64(ny)
	return float32(m[0]*fx + m[1]*fy + m[2]), float32(m[3]*fx + m[4]*fy + m[5])
}

// Resample samples the ROI from src into dst as interleaved RGB floats in [-1,1].
// Samples falling outside the logical image are black.
func (r ROI) Resample(dst []float32, outW, outH int, src frame.Image, o Orientation) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if outW <= 0 || outH <= 0 || len(dst) < outW*outH*3 {
		return fmt.Errorf("%w: destination holds %d values, need %dx%dx3",
			types.ErrConfiguration, len(dst), outW, outH)
	}

	v := newView(src, o)
	if v.width != r.ImageWidth || v.height != r.ImageHeight {
		return fmt.Errorf("%w: ROI built for %dx%d, frame is %dx%d after orientation",
			types.ErrInvalidInput, r.ImageWidth, r.ImageHeight, v.width, v.height)
	}

	w, h := float32(v.width), float32(v.height)
	const inv = 1.0 / 127.5
	i := 0
	for y := 0; y < outH; y++ {
		ny := ((float32(y)+0.5)/float32(outH) - 0.5) * 2
		for x := 0; x < outW; x++ {
			nx := ((float32(x)+0.5)/float32(outW) - 0.5) * 2
			sx, sy := r.Project(nx, ny)

			var c frame.RGB
			if sx >= 0 && sx <= w && sy >= 0 && sy <= h {
				// pixel centers sit at i+0.5
				c = v.bilinear(sx-0.5, sy-0.5)
			}
			dst[i] = c.R*inv - 1
			dst[i+1] = c.G*inv - 1
			dst[i+2] = c.B*inv - 1
			i += 3
		}
	}
	return nil
}

// Landmarks un-projects count raw model landmarks (x, y, z triples) into normalized
// logical image coordinates and appends them to dst. Values outside [0,1] are taken to be
// model-input pixels. X and Y are clamped to [-0.5, 1.5].
func (r ROI) Landmarks(dst []types.Landmark, raw []float32, count, inputW, inputH int) []types.Landmark {
	inW := float32(maxInt(1, inputW))
	inH := float32(maxInt(1, inputH))
	imgW := float32(r.ImageWidth)
	imgH := float32(r.ImageHeight)

	for i := 0; i < count && i*3+2 < len(raw); i++ {
		x, y, z := raw[i*3], raw[i*3+1], raw[i*3+2]
		if x < 0 || x > 1 || y < 0 || y > 1 {
			x /= inW
			y /= inH
			z /= inW
		}

		px, py := r.Project((x-0.5)*2, (y-0.5)*2)
		dst = append(dst, types.Landmark{
			X: types.Clamp(px/imgW, -0.5, 1.5),
			Y: types.Clamp(py/imgH, -0.5, 1.5),
			Z: z * r.width / imgW,
		})
	}
	return dst
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
