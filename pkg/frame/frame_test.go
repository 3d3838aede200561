package frame

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/menta2k/face-landmarker/pkg/types"
)

// createTestImage creates a quadrant test pattern
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			switch {
			case x < width/2 && y < height/2:
				img.Set(x, y, color.RGBA{255, 0, 0, 255})
			case x >= width/2 && y < height/2:
				img.Set(x, y, color.RGBA{0, 255, 0, 255})
			case x < width/2:
				img.Set(x, y, color.RGBA{0, 0, 255, 255})
			default:
				img.Set(x, y, color.RGBA{200, 200, 200, 255})
			}
		}
	}
	return img
}

func TestPackedAt(t *testing.T) {
	p := &Packed{
		Pix:    []byte{10, 20, 30, 255, 40, 50, 60, 255},
		Width:  2,
		Height: 1,
		Stride: 8,
		Format: RGBA,
	}
	if got := p.At(1, 0); got != (RGB{40, 50, 60}) {
		t.Errorf("Expected RGBA pixel {40 50 60}, got %v", got)
	}

	p.Format = BGRA
	if got := p.At(1, 0); got != (RGB{60, 50, 40}) {
		t.Errorf("Expected BGRA pixel {60 50 40}, got %v", got)
	}
}

func TestPackedValidate(t *testing.T) {
	valid := func() *Packed {
		return &Packed{Pix: make([]byte, 4*4*3), Width: 4, Height: 3, Stride: 16, Format: RGBA}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Expected valid frame, got %v", err)
	}

	tests := map[string]func(p *Packed){
		"nil pixels":   func(p *Packed) { p.Pix = nil },
		"zero width":   func(p *Packed) { p.Width = 0 },
		"short stride": func(p *Packed) { p.Stride = 12 },
		"short buffer": func(p *Packed) { p.Pix = p.Pix[:40] },
		"bad format":   func(p *Packed) { p.Format = PixelFormat(7) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := valid()
			mutate(p)
			if err := p.Validate(); !errors.Is(err, types.ErrInvalidInput) {
				t.Errorf("Expected invalid input error, got %v", err)
			}
		})
	}

	var nilFrame *Packed
	if err := nilFrame.Validate(); err == nil {
		t.Error("Expected error for nil frame")
	}
}

func TestPackedValidateLastRowWithoutPadding(t *testing.T) {
	// Stride padding is not required after the final row
	p := &Packed{Pix: make([]byte, 32+8), Width: 2, Height: 2, Stride: 32, Format: BGRA}
	if err := p.Validate(); err != nil {
		t.Errorf("Expected valid frame, got %v", err)
	}
}

func TestYUVConversion(t *testing.T) {
	tests := []struct {
		name    string
		y, u, v byte
		want    RGB
	}{
		{"black", 16, 128, 128, RGB{0, 0, 0}},
		{"white", 235, 128, 128, RGB{255, 255, 255}},
		{"below black clamps", 0, 128, 128, RGB{0, 0, 0}},
		// 298*(81-16)=19370, 409*(240-128)=45808 -> (65178+128)>>8 = 255
		{"red", 81, 90, 240, RGB{255, 0, 0}},
	}

	for _, tt := range tests {
		for _, order := range []ChromaOrder{NV21, NV12} {
			f := &YUV420{
				Y: []byte{tt.y, tt.y, tt.y, tt.y}, YStride: 2,
				UV: make([]byte, 2), UVStride: 2,
				Width: 2, Height: 2, Order: order,
			}
			if order == NV21 {
				f.UV[0], f.UV[1] = tt.v, tt.u
			} else {
				f.UV[0], f.UV[1] = tt.u, tt.v
			}

			got := f.At(1, 1)
			if math.Abs(float64(got.R-tt.want.R)) > 1 || math.Abs(float64(got.G-tt.want.G)) > 1 ||
				math.Abs(float64(got.B-tt.want.B)) > 1 {
				t.Errorf("%s/%v: expected %v, got %v", tt.name, order, tt.want, got)
			}
		}
	}
}

func TestYUVValidate(t *testing.T) {
	valid := func() *YUV420 {
		return &YUV420{
			Y: make([]byte, 5*3), YStride: 5,
			UV: make([]byte, 6*2), UVStride: 6,
			Width: 5, Height: 3, Order: NV21,
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("Expected valid frame, got %v", err)
	}

	tests := map[string]func(f *YUV420){
		"empty luma":          func(f *YUV420) { f.Y = nil },
		"short luma":          func(f *YUV420) { f.Y = f.Y[:10] },
		"short chroma":        func(f *YUV420) { f.UV = f.UV[:8] },
		"short chroma stride": func(f *YUV420) { f.UVStride = 4 },
		"bad order":           func(f *YUV420) { f.Order = ChromaOrder(3) },
		"negative height":     func(f *YUV420) { f.Height = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			f := valid()
			mutate(f)
			if err := f.Validate(); !errors.Is(err, types.ErrInvalidInput) {
				t.Errorf("Expected invalid input error, got %v", err)
			}
		})
	}
}

func TestFromImage(t *testing.T) {
	img := createTestImage(8, 6)
	p := FromImage(img)

	if err := p.Validate(); err != nil {
		t.Fatalf("FromImage produced an invalid frame: %v", err)
	}
	if w, h := p.Size(); w != 8 || h != 6 {
		t.Errorf("Expected 8x6, got %dx%d", w, h)
	}
	if got := p.At(0, 0); got != (RGB{255, 0, 0}) {
		t.Errorf("Expected red top-left, got %v", got)
	}
	if got := p.At(7, 5); got != (RGB{200, 200, 200}) {
		t.Errorf("Expected grey bottom-right, got %v", got)
	}
}

func TestYUVFromImageRoundTrip(t *testing.T) {
	img := createTestImage(8, 8)
	for _, order := range []ChromaOrder{NV21, NV12} {
		f := YUVFromImage(img, order)
		if err := f.Validate(); err != nil {
			t.Fatalf("YUVFromImage produced an invalid frame: %v", err)
		}

		// Quadrants are 2x2-block aligned, so chroma is exact per block
		got := f.At(6, 6)
		for _, c := range []float32{got.R, got.G, got.B} {
			if math.Abs(float64(c-200)) > 4 {
				t.Errorf("%v: expected roughly grey 200, got %v", order, got)
				break
			}
		}
		red := f.At(1, 1)
		if red.R < 240 || red.G > 15 || red.B > 15 {
			t.Errorf("%v: expected roughly red, got %v", order, red)
		}
	}
}

func TestYUVFromImageOddSize(t *testing.T) {
	f := YUVFromImage(createTestImage(5, 3), NV12)
	if err := f.Validate(); err != nil {
		t.Fatalf("Expected valid odd-sized frame, got %v", err)
	}
	_ = f.At(4, 2)
}
