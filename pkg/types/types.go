package types

import (
	"errors"
	"math"
)

// Error categories shared by every context. Wrap with fmt.Errorf and test with errors.Is.
var (
	// ErrConfiguration marks failures detected while creating a context (bad model shape,
	// anchor/tensor mismatch). The context is never returned.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidInput marks per-call validation failures. The context stays usable.
	ErrInvalidInput = errors.New("invalid input")
	// ErrEngine marks inference engine failures. The context stays usable.
	ErrEngine = errors.New("engine error")
)

// NormalizedRect is a region of interest in normalized source-image coordinates.
// Rotation is in radians, clockwise in image space, normalized to (-pi, pi].
type NormalizedRect struct {
	XCenter  float32 `json:"x_center" yaml:"x_center"`
	YCenter  float32 `json:"y_center" yaml:"y_center"`
	Width    float32 `json:"width" yaml:"width"`
	Height   float32 `json:"height" yaml:"height"`
	Rotation float32 `json:"rotation" yaml:"rotation"`
}

// DefaultRect returns the full-frame identity rect
func DefaultRect() NormalizedRect {
	return NormalizedRect{XCenter: 0.5, YCenter: 0.5, Width: 1, Height: 1}
}

// Valid reports whether the rect has a positive size
func (r NormalizedRect) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

// Sanitize substitutes the default rect for non-positive sizes, clamps the center to
// [0,1] and the size to [0.1,2], and normalizes the rotation.
func (r NormalizedRect) Sanitize() NormalizedRect {
	if !r.Valid() {
		return DefaultRect()
	}
	r.XCenter = Clamp(r.XCenter, 0, 1)
	r.YCenter = Clamp(r.YCenter, 0, 1)
	r.Width = Clamp(r.Width, 0.1, 2)
	r.Height = Clamp(r.Height, 0.1, 2)
	r.Rotation = NormalizeAngle(r.Rotation)
	return r
}

// Landmark is a single mesh point. X and Y are normalized to the logical image size
// (possibly slightly outside [0,1]); Z shares the X scale.
type Landmark struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Box is an axis-aligned box given by its center and size
type Box struct {
	XCenter float32 `json:"x_center"`
	YCenter float32 `json:"y_center"`
	Width   float32 `json:"width"`
	Height  float32 `json:"height"`
}

// Keypoint is a 2-D detection keypoint
type Keypoint struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Detection is a face found by the detector, normalized to the logical image size
type Detection struct {
	Box       Box        `json:"box"`
	Score     float32    `json:"score"`
	Keypoints []Keypoint `json:"keypoints"`
}

// FaceDetectionResult is the output snapshot of one detection call
type FaceDetectionResult struct {
	Detections  []Detection `json:"detections"`
	ImageWidth  int         `json:"image_width"`
	ImageHeight int         `json:"image_height"`
}

// Release drops the result's buffers. The context holds no reference to a result, so
// calling it is optional.
func (r *FaceDetectionResult) Release() {
	if r == nil {
		return
	}
	r.Detections = nil
}

// FaceMeshResult is the output snapshot of one mesh call
type FaceMeshResult struct {
	Landmarks   []Landmark     `json:"landmarks"`
	Rect        NormalizedRect `json:"rect"`
	Score       float32        `json:"score"`
	ImageWidth  int            `json:"image_width"`
	ImageHeight int            `json:"image_height"`
}

// Release drops the result's buffers
func (r *FaceMeshResult) Release() {
	if r == nil {
		return
	}
	r.Landmarks = nil
}

// NormalizeAngle wraps radians into (-pi, pi]
func NormalizeAngle(radians float32) float32 {
	const pi = float32(math.Pi)
	a := float64(radians)
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return 0
	}
	r := float32(math.Mod(a, 2*math.Pi))
	if r > pi {
		r -= 2 * pi
	} else if r <= -pi {
		r += 2 * pi
	}
	return r
}

// Clamp limits v to [lo, hi]
func Clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
