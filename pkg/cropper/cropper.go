package cropper

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/menta2k/face-landmarker/pkg/types"
)

// FaceCropper crops images to aspect ratios while keeping detected faces in frame
type FaceCropper struct {
	config CropConfig
}

// CropConfig holds configuration for face-aware cropping
type CropConfig struct {
	AllowUpscaling bool
	// PaddingRatio grows every face box on each side by this fraction of its longer side
	PaddingRatio     float64
	QualityThreshold float64
}

// AspectRatio represents common aspect ratios
type AspectRatio struct {
	Width  int
	Height int
	Name   string
}

// Common aspect ratios
var (
	Square     = AspectRatio{1, 1, "square"}
	Portrait   = AspectRatio{3, 4, "portrait"}
	Landscape  = AspectRatio{4, 3, "landscape"}
	Widescreen = AspectRatio{16, 9, "widescreen"}
	Instagram  = AspectRatio{4, 5, "instagram"}
	Story      = AspectRatio{9, 16, "story"}
)

// CommonAspectRatios returns a list of commonly used aspect ratios
func CommonAspectRatios() []AspectRatio {
	return []AspectRatio{Square, Portrait, Landscape, Widescreen, Instagram, Story}
}

// ParseAspectRatio accepts a common ratio name or "W:H"
func ParseAspectRatio(s string) (AspectRatio, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, r := range CommonAspectRatios() {
		if r.Name == s {
			return r, nil
		}
	}
	parts := strings.Split(s, ":")
	if len(parts) == 2 {
		w, errW := strconv.Atoi(parts[0])
		h, errH := strconv.Atoi(parts[1])
		if errW == nil && errH == nil && w > 0 && h > 0 {
			return AspectRatio{w, h, fmt.Sprintf("%dx%d", w, h)}, nil
		}
	}
	return AspectRatio{}, fmt.Errorf("%w: invalid aspect ratio %q", types.ErrConfiguration, s)
}

// Subject is a face in pixel coordinates of the image being cropped
type Subject struct {
	Rect  image.Rectangle
	Score float64
}

// SubjectsFromDetections converts normalized detections to pixel subjects
func SubjectsFromDetections(result *types.FaceDetectionResult) []Subject {
	if result == nil {
		return nil
	}
	w, h := float64(result.ImageWidth), float64(result.ImageHeight)
	subjects := make([]Subject, 0, len(result.Detections))
	for _, det := range result.Detections {
		b := det.Box
		x0 := math.Round(float64(b.XCenter-b.Width/2) * w)
		y0 := math.Round(float64(b.YCenter-b.Height/2) * h)
		x1 := math.Round(float64(b.XCenter+b.Width/2) * w)
		y1 := math.Round(float64(b.YCenter+b.Height/2) * h)
		r := image.Rect(int(x0), int(y0), int(x1), int(y1)).Intersect(image.Rect(0, 0, int(w), int(h)))
		if r.Empty() {
			continue
		}
		subjects = append(subjects, Subject{Rect: r, Score: float64(det.Score)})
	}
	return subjects
}

// New creates a new FaceCropper with default configuration
func New() *FaceCropper {
	return &FaceCropper{
		config: CropConfig{
			AllowUpscaling:   false,
			PaddingRatio:     0.1,
			QualityThreshold: 0.7,
		},
	}
}

// NewWithConfig creates a new FaceCropper with custom configuration
func NewWithConfig(config CropConfig) *FaceCropper {
	return &FaceCropper{config: config}
}

// CropResult contains the result of a cropping operation
type CropResult struct {
	Image       image.Image
	Region      image.Rectangle
	AspectRatio float64
	Quality     float64
}

// CropToAspectRatio crops an image to a specific aspect ratio around the subjects
func (c *FaceCropper) CropToAspectRatio(img image.Image, subjects []Subject, aspectRatio AspectRatio) (CropResult, error) {
	if aspectRatio.Width <= 0 || aspectRatio.Height <= 0 {
		return CropResult{}, fmt.Errorf("invalid aspect ratio %d:%d", aspectRatio.Width, aspectRatio.Height)
	}
	return c.CropToRatio(img, subjects, float64(aspectRatio.Width)/float64(aspectRatio.Height))
}

// CropToRatio cuts the largest region of the target ratio, centered on the padded faces
// when they fit and on the strongest face otherwise
func (c *FaceCropper) CropToRatio(img image.Image, subjects []Subject, targetRatio float64) (CropResult, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return CropResult{}, fmt.Errorf("invalid image dimensions")
	}
	if targetRatio <= 0 || math.IsNaN(targetRatio) || math.IsInf(targetRatio, 0) {
		return CropResult{}, fmt.Errorf("invalid target ratio %v", targetRatio)
	}

	cropW, cropH := width, height
	if float64(width)/float64(height) > targetRatio {
		cropW = maxInt(1, int(math.Round(float64(height)*targetRatio)))
	} else {
		cropH = maxInt(1, int(math.Round(float64(width)/targetRatio)))
	}

	cx, cy := width/2, height/2
	if focus, ok := c.focus(subjects, cropW, cropH, width, height); ok {
		cx, cy = (focus.Min.X+focus.Max.X)/2, (focus.Min.Y+focus.Max.Y)/2
	}
	x0 := clampInt(cx-cropW/2, 0, width-cropW)
	y0 := clampInt(cy-cropH/2, 0, height-cropH)
	region := image.Rect(x0, y0, x0+cropW, y0+cropH)

	return CropResult{
		Image:       imaging.Crop(img, region.Add(bounds.Min)),
		Region:      region,
		AspectRatio: targetRatio,
		Quality:     c.calculateCropQuality(region, subjects, width, height),
	}, nil
}

// focus returns the rectangle the crop is centered on
func (c *FaceCropper) focus(subjects []Subject, cropW, cropH, width, height int) (image.Rectangle, bool) {
	if len(subjects) == 0 {
		return image.Rectangle{}, false
	}
	imageRect := image.Rect(0, 0, width, height)

	var union image.Rectangle
	best := 0
	for i, s := range subjects {
		union = union.Union(c.pad(s.Rect).Intersect(imageRect))
		if s.Score > subjects[best].Score {
			best = i
		}
	}
	if union.Empty() {
		return image.Rectangle{}, false
	}
	if union.Dx() <= cropW && union.Dy() <= cropH {
		return union, true
	}
	return c.pad(subjects[best].Rect).Intersect(imageRect), true
}

func (c *FaceCropper) pad(r image.Rectangle) image.Rectangle {
	return r.Inset(-int(math.Round(float64(maxInt(r.Dx(), r.Dy())) * c.config.PaddingRatio)))
}

// CropToMultipleRatios crops an image to multiple aspect ratios
func (c *FaceCropper) CropToMultipleRatios(img image.Image, subjects []Subject, ratios []AspectRatio) ([]CropResult, error) {
	var results []CropResult
	for _, ratio := range ratios {
		result, err := c.CropToAspectRatio(img, subjects, ratio)
		if err != nil {
			return nil, fmt.Errorf("failed to crop to %s: %w", ratio.Name, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// CropToSize crops to the target ratio, then resizes to exactly targetWidth x targetHeight
func (c *FaceCropper) CropToSize(img image.Image, subjects []Subject, targetWidth, targetHeight int) (CropResult, error) {
	if targetWidth <= 0 || targetHeight <= 0 {
		return CropResult{}, fmt.Errorf("invalid target size %dx%d", targetWidth, targetHeight)
	}
	bounds := img.Bounds()
	if !c.config.AllowUpscaling && (targetWidth > bounds.Dx() || targetHeight > bounds.Dy()) {
		return CropResult{}, fmt.Errorf("target size (%dx%d) is larger than original (%dx%d) and upscaling is disabled",
			targetWidth, targetHeight, bounds.Dx(), bounds.Dy())
	}

	result, err := c.CropToRatio(img, subjects, float64(targetWidth)/float64(targetHeight))
	if err != nil {
		return CropResult{}, err
	}
	result.Image = imaging.Resize(result.Image, targetWidth, targetHeight, imaging.Lanczos)
	return result, nil
}

// GetOptimalCrops returns the common-ratio crops that reach the quality threshold
func (c *FaceCropper) GetOptimalCrops(img image.Image, subjects []Subject) map[string]CropResult {
	results := make(map[string]CropResult)
	for _, ratio := range CommonAspectRatios() {
		result, err := c.CropToAspectRatio(img, subjects, ratio)
		if err == nil && result.Quality >= c.config.QualityThreshold {
			results[ratio.Name] = result
		}
	}
	return results
}

// calculateCropQuality mixes kept face area (score weighted), kept image area and how
// close the faces sit to the crop center
func (c *FaceCropper) calculateCropQuality(region image.Rectangle, subjects []Subject, width, height int) float64 {
	preservation := float64(region.Dx()*region.Dy()) / float64(width*height)

	coverage, centering := 1.0, 1.0
	if len(subjects) > 0 {
		var kept, total float64
		for _, s := range subjects {
			weight := math.Max(s.Score, 1e-3)
			total += weight
			if area := s.Rect.Dx() * s.Rect.Dy(); area > 0 {
				inter := s.Rect.Intersect(region)
				kept += weight * float64(inter.Dx()*inter.Dy()) / float64(area)
			}
		}
		coverage = kept / total

		if focus, ok := c.focus(subjects, region.Dx(), region.Dy(), width, height); ok {
			dx := float64((focus.Min.X+focus.Max.X)/2 - (region.Min.X+region.Max.X)/2)
			dy := float64((focus.Min.Y+focus.Max.Y)/2 - (region.Min.Y+region.Max.Y)/2)
			diag := math.Hypot(float64(region.Dx()), float64(region.Dy()))
			centering = 1 - math.Min(1, math.Hypot(dx, dy)/(diag/2))
		}
	}

	quality := 0.5*coverage + 0.3*preservation + 0.2*centering
	return math.Max(0, math.Min(1, quality))
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

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
