package tracking

import (
	"fmt"
	"math"

	"github.com/menta2k/face-landmarker/pkg/resample"
	"github.com/menta2k/face-landmarker/pkg/types"
)

// Mesh topology indices used to estimate the in-plane rotation
const (
	LeftEyeIndex  = 263
	RightEyeIndex = 33
)

// Config controls the tracker
type Config struct {
	// MinDetectionConfidence gates the first rect update after (re)initialization
	MinDetectionConfidence float32 `json:"min_detection_confidence" yaml:"min_detection_confidence"`
	// MinTrackingConfidence gates updates while tracking
	MinTrackingConfidence float32 `json:"min_tracking_confidence" yaml:"min_tracking_confidence"`
	Smoothing             bool    `json:"smoothing" yaml:"smoothing"`
	// Alpha is the weight of the previous rect when smoothing
	Alpha float32 `json:"alpha" yaml:"alpha"`
	// Padding scales the landmark bounding box
	Padding float32 `json:"padding" yaml:"padding"`
}

// DefaultConfig returns the standard face mesh tracking settings
func DefaultConfig() Config {
	return Config{
		MinDetectionConfidence: 0.5,
		MinTrackingConfidence:  0.5,
		Smoothing:              true,
		Alpha:                  0.8,
		Padding:                1.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinDetectionConfidence <= 0 {
		c.MinDetectionConfidence = d.MinDetectionConfidence
	}
	if c.MinTrackingConfidence <= 0 {
		c.MinTrackingConfidence = d.MinTrackingConfidence
	}
	if c.Alpha <= 0 || c.Alpha >= 1 {
		c.Alpha = d.Alpha
	}
	if c.Padding <= 0 {
		c.Padding = d.Padding
	}
	return c
}

// State is the tracker state
type State int

const (
	Uninitialized State = iota
	Tracking
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Tracker carries the face ROI from one frame to the next. It is not safe for
// concurrent use.
type Tracker struct {
	config      Config
	rect        types.NormalizedRect
	state       State
	orientation resample.Orientation
}

// NewTracker creates an uninitialized tracker. Non-positive settings take defaults.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		config: cfg.withDefaults(),
		rect:   types.DefaultRect(),
	}
}

// Config returns the effective configuration
func (t *Tracker) Config() Config {
	return t.config
}

// State returns the current state
func (t *Tracker) State() State {
	return t.state
}

// Rect returns the stored rect. It is the default rect until the first update.
func (t *Tracker) Rect() types.NormalizedRect {
	return t.rect
}

// Reset drops the stored rect
func (t *Tracker) Reset() {
	t.rect = types.DefaultRect()
	t.state = Uninitialized
}

// Plan is the ROI chosen for one frame. Planning does not change the tracker; pass the
// plan to Commit once the frame has been processed successfully.
type Plan struct {
	Rect        types.NormalizedRect
	Orientation resample.Orientation
	// Override is set when the caller supplied the rect
	Override bool
	// Tracking is the state the frame was planned in
	Tracking bool
	// Reset is set when the orientation differs from the previous frame
	Reset bool
}

// Plan selects the ROI for a frame. An override rect is sanitized and wins; otherwise
// the stored rect is used while tracking, and the full-frame default before that.
func (t *Tracker) Plan(o resample.Orientation, override *types.NormalizedRect) Plan {
	p := Plan{
		Orientation: o,
		Reset:       o != t.orientation,
	}
	p.Tracking = t.state == Tracking && !p.Reset

	switch {
	case override != nil:
		p.Rect = override.Sanitize()
		p.Override = true
	case p.Tracking:
		p.Rect = t.rect
	default:
		p.Rect = types.DefaultRect()
	}
	return p
}

// Commit applies the result of a planned frame. landmarks are normalized to the logical
// image of size imageW x imageH.
func (t *Tracker) Commit(p Plan, landmarks []types.Landmark, score float32, imageW, imageH int) {
	t.orientation = p.Orientation
	if p.Reset {
		t.state = Uninitialized
	}

	if p.Override {
		t.rect = p.Rect
		t.state = Tracking
		return
	}

	threshold := t.config.MinDetectionConfidence
	if p.Tracking {
		threshold = t.config.MinTrackingConfidence
	}
	if score < threshold {
		return
	}

	target := RectFromLandmarks(landmarks, imageW, imageH, t.config.Padding)
	if p.Tracking && t.config.Smoothing {
		target = SmoothRect(t.rect, target, t.config.Alpha)
	}
	t.rect = target.Sanitize()
	t.state = Tracking
}

// RectFromLandmarks returns a square (in pixels) ROI around the landmarks, padded by
// padding and rotated to the eye line. Degenerate input yields the default rect.
func RectFromLandmarks(landmarks []types.Landmark, imageW, imageH int, padding float32) types.NormalizedRect {
	if len(landmarks) == 0 || imageW <= 0 || imageH <= 0 {
		return types.DefaultRect()
	}

	minX, minY := landmarks[0].X, landmarks[0].Y
	maxX, maxY := minX, minY
	for _, lm := range landmarks[1:] {
		minX = min32(minX, lm.X)
		minY = min32(minY, lm.Y)
		maxX = max32(maxX, lm.X)
		maxY = max32(maxY, lm.Y)
	}
	if maxX-minX < 1e-4 || maxY-minY < 1e-4 {
		return types.DefaultRect()
	}

	w, h := float32(imageW), float32(imageH)
	size := max32((maxX-minX)*w, (maxY-minY)*h) * padding

	return types.NormalizedRect{
		XCenter:  types.Clamp((minX+maxX)/2, 0, 1),
		YCenter:  types.Clamp((minY+maxY)/2, 0, 1),
		Width:    types.Clamp(size/w, 0.1, 1.2),
		Height:   types.Clamp(size/h, 0.1, 1.2),
		Rotation: EstimateRotation(landmarks, imageW, imageH),
	}
}

// EstimateRotation returns the angle of the right-eye to left-eye vector in pixel space,
// or 0 when the mesh has no eye landmarks
func EstimateRotation(landmarks []types.Landmark, imageW, imageH int) float32 {
	if len(landmarks) <= LeftEyeIndex || len(landmarks) <= RightEyeIndex {
		return 0
	}
	left, right := landmarks[LeftEyeIndex], landmarks[RightEyeIndex]
	dx := float64(left.X-right.X) * float64(imageW)
	dy := float64(left.Y-right.Y) * float64(imageH)
	if math.Abs(dx) < 1e-5 && math.Abs(dy) < 1e-5 {
		return 0
	}
	return float32(math.Atan2(dy, dx))
}

// SmoothRect blends current towards target: alpha*current + (1-alpha)*target, with the
// rotation difference wrapped to (-pi, pi] first
func SmoothRect(current, target types.NormalizedRect, alpha float32) types.NormalizedRect {
	beta := 1 - alpha
	delta := types.NormalizeAngle(target.Rotation-current.Rotation) * beta
	return types.NormalizedRect{
		XCenter:  current.XCenter*alpha + target.XCenter*beta,
		YCenter:  current.YCenter*alpha + target.YCenter*beta,
		Width:    current.Width*alpha + target.Width*beta,
		Height:   current.Height*alpha + target.Height*beta,
		Rotation: types.NormalizeAngle(current.Rotation + delta),
	}
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
