package frame

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/menta2k/face-landmarker/pkg/types"
)

// PixelFormat is the channel order of a packed 4-byte pixel
type PixelFormat int

const (
	RGBA PixelFormat = iota
	BGRA
)

func (f PixelFormat) String() string {
	switch f {
	case RGBA:
		return "RGBA"
	case BGRA:
		return "BGRA"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// ChromaOrder is the byte order of the interleaved chroma plane
type ChromaOrder int

const (
	// NV21 stores V before U (Android camera default)
	NV21 ChromaOrder = iota
	// NV12 stores U before V
	NV12
)

func (c ChromaOrder) String() string {
	switch c {
	case NV21:
		return "NV21"
	case NV12:
		return "NV12"
	default:
		return fmt.Sprintf("ChromaOrder(%d)", int(c))
	}
}

// RGB is a pixel with channels in [0,255]
type RGB struct {
	R, G, B float32
}

// Image is a raw camera buffer. At is only called with 0 <= x < width and
// 0 <= y < height, after Validate succeeded.
type Image interface {
	Size() (width, height int)
	At(x, y int) RGB
	Validate() error
}

// Packed is an interleaved 4-byte-per-pixel image
type Packed struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
	Format PixelFormat
}

// Size returns the raw buffer dimensions
func (p *Packed) Size() (int, int) {
	return p.Width, p.Height
}

// At reads the pixel at (x, y), ignoring alpha
func (p *Packed) At(x, y int) RGB {
	i := y*p.Stride + x*4
	px := p.Pix[i : i+3 : i+3]
	if p.Format == BGRA {
		return RGB{R: float32(px[2]), G: float32(px[1]), B: float32(px[0])}
	}
	return RGB{R: float32(px[0]), G: float32(px[1]), B: float32(px[2])}
}

// Validate checks the descriptor against its buffer
func (p *Packed) Validate() error {
	if p == nil || len(p.Pix) == 0 {
		return fmt.Errorf("%w: empty image buffer", types.ErrInvalidInput)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: image size must be positive, got %dx%d", types.ErrInvalidInput, p.Width, p.Height)
	}
	if p.Format != RGBA && p.Format != BGRA {
		return fmt.Errorf("%w: unsupported pixel format %v, use RGBA or BGRA", types.ErrInvalidInput, p.Format)
	}
	if p.Stride < p.Width*4 {
		return fmt.Errorf("%w: stride %d is smaller than row size %d", types.ErrInvalidInput, p.Stride, p.Width*4)
	}
	if need := (p.Height-1)*p.Stride + p.Width*4; len(p.Pix) < need {
		return fmt.Errorf("%w: buffer holds %d bytes, need %d", types.ErrInvalidInput, len(p.Pix), need)
	}
	return nil
}

// YUV420 is a semi-planar 4:2:0 image: a full-resolution luma plane and a half-resolution
// plane of interleaved chroma pairs.
type YUV420 struct {
	Y        []byte
	YStride  int
	UV       []byte
	UVStride int
	Width    int
	Height   int
	Order    ChromaOrder
}

// Size returns the raw buffer dimensions
func (f *YUV420) Size() (int, int) {
	return f.Width, f.Height
}

// At converts the pixel at (x, y) to RGB using fixed-point BT.601 coefficients
func (f *YUV420) At(x, y int) RGB {
	luma := int(f.Y[y*f.YStride+x])
	ci := (y>>1)*f.UVStride + (x>>1)*2
	first, second := int(f.UV[ci]), int(f.UV[ci+1])

	u, v := second, first
	if f.Order == NV12 {
		u, v = first, second
	}

	c := luma - 16
	if c < 0 {
		c = 0
	}
	d := u - 128
	e := v - 128

	r := (298*c + 409*e + 128) >> 8
	g := (298*c - 100*d - 208*e + 128) >> 8
	b := (298*c + 516*d + 128) >> 8
	return RGB{R: float32(clampByte(r)), G: float32(clampByte(g)), B: float32(clampByte(b))}
}

// Validate checks both planes against the declared size
func (f *YUV420) Validate() error {
	if f == nil || len(f.Y) == 0 || len(f.UV) == 0 {
		return fmt.Errorf("%w: empty YUV planes", types.ErrInvalidInput)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: image size must be positive, got %dx%d", types.ErrInvalidInput, f.Width, f.Height)
	}
	if f.Order != NV21 && f.Order != NV12 {
		return fmt.Errorf("%w: unsupported chroma order %v", types.ErrInvalidInput, f.Order)
	}
	if f.YStride < f.Width {
		return fmt.Errorf("%w: luma stride %d is smaller than width %d", types.ErrInvalidInput, f.YStride, f.Width)
	}
	if need := (f.Height-1)*f.YStride + f.Width; len(f.Y) < need {
		return fmt.Errorf("%w: luma plane holds %d bytes, need %d", types.ErrInvalidInput, len(f.Y), need)
	}

	chromaRow := ((f.Width + 1) / 2) * 2
	chromaRows := (f.Height + 1) / 2
	if f.UVStride < chromaRow {
		return fmt.Errorf("%w: chroma stride %d is smaller than %d", types.ErrInvalidInput, f.UVStride, chromaRow)
	}
	if need := (chromaRows-1)*f.UVStride + chromaRow; len(f.UV) < need {
		return fmt.Errorf("%w: chroma plane holds %d bytes, need %d", types.ErrInvalidInput, len(f.UV), need)
	}
	return nil
}

// FromImage copies any image.Image into a packed RGBA frame
func FromImage(img image.Image) *Packed {
	n := imaging.Clone(img)
	b := n.Bounds()
	return &Packed{
		Pix:    n.Pix,
		Width:  b.Dx(),
		Height: b.Dy(),
		Stride: n.Stride,
		Format: RGBA,
	}
}

// YUVFromImage converts an image into a semi-planar 4:2:0 frame. Chroma is the average of
// each 2x2 block.
func YUVFromImage(img image.Image, order ChromaOrder) *YUV420 {
	n := imaging.Clone(img)
	w, h := n.Bounds().Dx(), n.Bounds().Dy()

	cw := (w + 1) / 2
	ch := (h + 1) / 2
	out := &YUV420{
		Y:        make([]byte, w*h),
		YStride:  w,
		UV:       make([]byte, cw*2*ch),
		UVStride: cw * 2,
		Width:    w,
		Height:   h,
		Order:    order,
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*n.Stride + x*4
			r, g, b := int(n.Pix[i]), int(n.Pix[i+1]), int(n.Pix[i+2])
			out.Y[y*w+x] = byte(clampByte(((66*r+129*g+25*b+128)>>8) + 16))
		}
	}

	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			var sumU, sumV, count int
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					x, y := cx*2+dx, cy*2+dy
					if x >= w || y >= h {
						continue
					}
					i := y*n.Stride + x*4
					r, g, b := int(n.Pix[i]), int(n.Pix[i+1]), int(n.Pix[i+2])
					sumU += ((-38*r - 74*g + 112*b + 128) >> 8) + 128
					sumV += ((112*r - 94*g - 18*b + 128) >> 8) + 128
					count++
				}
			}
			u := byte(clampByte(sumU / count))
			v := byte(clampByte(sumV / count))
			ci := cy*out.UVStride + cx*2
			if order == NV12 {
				out.UV[ci], out.UV[ci+1] = u, v
			} else {
				out.UV[ci], out.UV[ci+1] = v, u
			}
		}
	}
	return out
}

func clampByte(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
