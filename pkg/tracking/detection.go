package tracking

import (
	"math"

	"github.com/menta2k/face-landmarker/pkg/types"
)

// Detection keypoint order of the short-range face detector
const (
	DetectionRightEye = 0
	DetectionLeftEye  = 1
)

// RectFromDetection seeds a mesh ROI from a face detection: the box grown to a square of
// padding times its larger pixel side, rotated to the eye keypoints when present.
func RectFromDetection(det types.Detection, imageW, imageH int, padding float32) types.NormalizedRect {
	if imageW <= 0 || imageH <= 0 || det.Box.Width <= 0 || det.Box.Height <= 0 {
		return types.DefaultRect()
	}
	if padding <= 0 {
		padding = DefaultConfig().Padding
	}

	w, h := float32(imageW), float32(imageH)
	size := max32(det.Box.Width*w, det.Box.Height*h) * padding

	var rotation float32
	if len(det.Keypoints) > DetectionLeftEye {
		right, left := det.Keypoints[DetectionRightEye], det.Keypoints[DetectionLeftEye]
		dx := float64(left.X-right.X) * float64(w)
		dy := float64(left.Y-right.Y) * float64(h)
		if math.Abs(dx) > 1e-5 || math.Abs(dy) > 1e-5 {
			rotation = float32(math.Atan2(dy, dx))
		}
	}

	return types.NormalizedRect{
		XCenter:  det.Box.XCenter,
		YCenter:  det.Box.YCenter,
		Width:    size / w,
		Height:   size / h,
		Rotation: rotation,
	}.Sanitize()
}
