package resample

import (
	"fmt"
	"math"

	"golang.org/x/image/math/f64"

	"github.com/menta2k/face-landmarker/pkg/frame"
	"github.com/menta2k/face-landmarker/pkg/types"
)

// BorderMode controls letterbox padding
type BorderMode int

const (
	// BorderReplicate repeats the nearest edge pixel into the padding
	BorderReplicate BorderMode = iota
	// BorderZero fills the padding with black
	BorderZero
)

// LetterboxTransform records how the logical image was fitted into the model input
type LetterboxTransform struct {
	Scale         float32
	PadX          float32
	PadY          float32
	ResizedWidth  int
	ResizedHeight int
	ImageWidth    int
	ImageHeight   int

	// toImage maps model-input pixels to logical image pixels
	toImage f64.Aff3
}

// NewLetterboxTransform fits an imageW x imageH image into inputW x inputH keeping its
// aspect ratio and centering it
func NewLetterboxTransform(imageW, imageH, inputW, inputH int) (LetterboxTransform, error) {
	if imageW <= 0 || imageH <= 0 {
		return LetterboxTransform{}, fmt.Errorf("%w: image size must be positive, got %dx%d",
			types.ErrInvalidInput, imageW, imageH)
	}
	if inputW <= 0 || inputH <= 0 {
		return LetterboxTransform{}, fmt.Errorf("%w: input size must be positive, got %dx%d",
			types.ErrConfiguration, inputW, inputH)
	}

	scale := minFloat32(float32(inputW)/float32(imageW), float32(inputH)/float32(imageH))
	resizedW := int(math.Round(float64(float32(imageW) * scale)))
	resizedH := int(math.Round(float64(float32(imageH) * scale)))
	padX := float32(inputW-resizedW) * 0.5
	padY := float32(inputH-resizedH) * 0.5

	inv := 1 / float64(scale)
	return LetterboxTransform{
		Scale:         scale,
		PadX:          padX,
		PadY:          padY,
		ResizedWidth:  resizedW,
		ResizedHeight: resizedH,
		ImageWidth:    imageW,
		ImageHeight:   imageH,
		toImage: f64.Aff3{
			inv, 0, -float64(padX) * inv,
			0, inv, -float64(padY) * inv,
		},
	}, nil
}

// ToImagePixels maps a model-input pixel position to logical image pixels
func (t LetterboxTransform) ToImagePixels(x, y float32) (float32, float32) {
	m := t.toImage
	fx, fy := float64(x), float64(y)
	return float32(m[0]*fx + m[1]*fy + m[2]), float32(m[3]*fx + m[4]*fy + m[5])
}

// ToImage maps a model-input pixel position to normalized logical image coordinates
func (t LetterboxTransform) ToImage(x, y float32) (float32, float32) {
	px, py := t.ToImagePixels(x, y)
	return px / float32(t.ImageWidth), py / float32(t.ImageHeight)
}

// SizeToImage maps a model-input pixel size to a normalized logical image size
func (t LetterboxTransform) SizeToImage(w, h float32) (float32, float32) {
	return w / t.Scale / float32(t.ImageWidth), h / t.Scale / float32(t.ImageHeight)
}

// Letterbox resamples src into dst as interleaved RGB floats in [0,1]. dst must hold
// inputW*inputH*3 values.
func Letterbox(dst []float32, inputW, inputH int, src frame.Image, o Orientation, border BorderMode) (LetterboxTransform, error) {
	if err := o.Validate(); err != nil {
		return LetterboxTransform{}, err
	}
	if len(dst) < inputW*inputH*3 {
		return LetterboxTransform{}, fmt.Errorf("%w: destination holds %d values, need %d",
			types.ErrConfiguration, len(dst), inputW*inputH*3)
	}

	v := newView(src, o)
	t, err := NewLetterboxTransform(v.width, v.height, inputW, inputH)
	if err != nil {
		return LetterboxTransform{}, err
	}

	// content bounds in model-input pixels, used by BorderZero
	minX, maxX := t.PadX-0.5, t.PadX+float32(t.ResizedWidth)-0.5
	minY, maxY := t.PadY-0.5, t.PadY+float32(t.ResizedHeight)-0.5

	const inv255 = 1.0 / 255.0
	i := 0
	for y := 0; y < inputH; y++ {
		for x := 0; x < inputW; x++ {
			fx, fy := float32(x), float32(y)
			if border == BorderZero && (fx < minX || fx > maxX || fy < minY || fy > maxY) {
				dst[i], dst[i+1], dst[i+2] = 0, 0, 0
				i += 3
				continue
			}
			sx, sy := t.ToImagePixels(fx, fy)
			c := v.bilinear(sx, sy)
			dst[i] = c.R * inv255
			dst[i+1] = c.G * inv255
			dst[i+2] = c.B * inv255
			i += 3
		}
	}
	return t, nil
}

func minFloat32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
