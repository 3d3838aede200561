package processing

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/face-landmarker/pkg/resample"
	"github.com/menta2k/face-landmarker/pkg/types"
)

// Config holds settings for image I/O
type Config struct {
	Timeout   time.Duration
	UserAgent string
	// MaxBytes limits downloads
	MaxBytes int64
}

// DefaultConfig returns the default I/O settings
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "face-landmarker/1.0",
		MaxBytes:  32 << 20,
	}
}

// Processor loads, saves and annotates images
type Processor struct {
	config Config
	client *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return NewProcessorWithConfig(DefaultConfig())
}

// NewProcessorWithConfig creates an image processor with custom settings
func NewProcessorWithConfig(config Config) *Processor {
	return &Processor{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// LoadImageFromURL downloads and decodes an image
func (p *Processor) LoadImageFromURL(imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequest(http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", p.config.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %s", resp.Status)
	}
	if contentType := resp.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	var body io.Reader = resp.Body
	if p.config.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, p.config.MaxBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return p.DecodeBytes(data)
}

// LoadImage loads an image file, applying its EXIF orientation
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, err := p.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(source)
	}
	return p.LoadImage(source)
}

// DecodeBytes decodes any registered format, falling back to the libwebp decoder
func (p *Processor) DecodeBytes(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// SaveImage writes img as jpg, png or webp. Quality 100 writes lossless webp.
func (p *Processor) SaveImage(img image.Image, path, format string, quality int) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: quality >= 100, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default:
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// Upright returns the logical image for a raw image shown with orientation o
func Upright(img image.Image, o resample.Orientation) image.Image {
	var out image.Image = img
	switch o.Rotation {
	case 90:
		out = imaging.Rotate270(img)
	case 180:
		out = imaging.Rotate180(img)
	case 270:
		out = imaging.Rotate90(img)
	}
	if o.Mirror {
		out = imaging.FlipH(out)
	}
	return out
}

var (
	boxColor      = color.NRGBA{0, 255, 0, 255}
	keypointColor = color.NRGBA{255, 0, 0, 255}
	roiColor      = color.NRGBA{255, 204, 0, 255}
	landmarkColor = color.NRGBA{0, 170, 255, 255}
)

// DrawDetections draws detection boxes and keypoints on a copy of the logical image
func (p *Processor) DrawDetections(img image.Image, result *types.FaceDetectionResult) image.Image {
	nrgba := imaging.Clone(img)
	if result == nil {
		return nrgba
	}
	w, h := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()
	stroke := int(math.Max(2, 0.004*float64(minInt(w, h))))
	cross := int(math.Max(3, 0.008*float64(minInt(w, h))))

	for _, det := range result.Detections {
		drawBox(nrgba, det.Box, w, h, boxColor, stroke)
		for _, kp := range det.Keypoints {
			px, py := toPixel(kp.X, w), toPixel(kp.Y, h)
			drawHLine(nrgba, py, px-cross, px+cross+1, keypointColor)
			drawVLine(nrgba, px, py-cross, py+cross+1, keypointColor)
		}
	}
	return nrgba
}

// DrawMesh draws the rotated ROI and every landmark on a copy of the logical image
func (p *Processor) DrawMesh(img image.Image, result *types.FaceMeshResult) image.Image {
	nrgba := imaging.Clone(img)
	if result == nil {
		return nrgba
	}
	w, h := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()

	if roi, err := resample.NewROI(result.Rect, w, h); err == nil {
		corners := [4][2]float32{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}}
		for i := range corners {
			x0, y0 := roi.Project(corners[i][0], corners[i][1])
			x1, y1 := roi.Project(corners[(i+1)%4][0], corners[(i+1)%4][1])
			drawLine(nrgba, int(x0), int(y0), int(x1), int(y1), roiColor)
		}
	}

	dot := int(math.Max(1, 0.002*float64(minInt(w, h))))
	for _, lm := range result.Landmarks {
		px, py := toPixel(lm.X, w), toPixel(lm.Y, h)
		for d := -dot; d <= dot; d++ {
			drawHLine(nrgba, py+d, px-dot, px+dot+1, landmarkColor)
		}
	}
	return nrgba
}

func toPixel(v float32, size int) int {
	return int(math.Floor(float64(v)*float64(size) + 0.5))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// boxToPixels converts a normalized center/size box to clamped pixel corners
func boxToPixels(box types.Box, w, h int) (int, int, int, int) {
	x0 := toPixel(types.Clamp(box.XCenter-box.Width/2, 0, 1), w)
	y0 := toPixel(types.Clamp(box.YCenter-box.Height/2, 0, 1), h)
	x1 := toPixel(types.Clamp(box.XCenter+box.Width/2, 0, 1), w)
	y1 := toPixel(types.Clamp(box.YCenter+box.Height/2, 0, 1), h)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, box types.Box, w, h int, c color.NRGBA, stroke int) {
	x0, y0, x1, y1 := boxToPixels(box, w, h)
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

// drawLine is Bresenham's algorithm, clipped per pixel
func drawLine(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	dx := absInt(x1 - x0)
	dy := -absInt(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		setPixel(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func setPixel(img *image.NRGBA, x, y int, c color.NRGBA) {
	if x < 0 || y < 0 || x >= img.Bounds().Dx() || y >= img.Bounds().Dy() {
		return
	}
	i := y*img.Stride + x*4
	img.Pix[i+0] = c.R
	img.Pix[i+1] = c.G
	img.Pix[i+2] = c.B
	img.Pix[i+3] = c.A
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	for x := x0; x < x1; x++ {
		setPixel(img, x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	for y := y0; y < y1; y++ {
		setPixel(img, x, y, c)
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
