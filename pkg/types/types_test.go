package types

import (
	"math"
	"testing"
)

func TestNormalizeAngle(t *testing.T) {
	pi := float32(math.Pi)
	tests := []struct {
		in, want float32
	}{
		{0, 0},
		{pi / 2, pi / 2},
		{pi, pi},
		{-pi, pi},
		{3 * pi / 2, -pi / 2},
		{-3 * pi / 2, pi / 2},
	}

	for _, tt := range tests {
		got := NormalizeAngle(tt.in)
		if math.Abs(float64(got-tt.want)) > 1e-5 {
			t.Errorf("NormalizeAngle(%f): expected %f, got %f", tt.in, tt.want, got)
		}
		if got <= -pi || got > pi {
			t.Errorf("NormalizeAngle(%f) = %f is outside (-pi, pi]", tt.in, got)
		}
	}

	if got := NormalizeAngle(float32(math.NaN())); got != 0 {
		t.Errorf("Expected NaN to normalize to 0, got %f", got)
	}
}

func TestSanitizeSubstitutesDefault(t *testing.T) {
	for _, r := range []NormalizedRect{
		{XCenter: 0.3, YCenter: 0.3, Width: 0, Height: 0.5},
		{XCenter: 0.3, YCenter: 0.3, Width: 0.5, Height: -1},
	} {
		if got := r.Sanitize(); got != DefaultRect() {
			t.Errorf("Expected default rect for %+v, got %+v", r, got)
		}
	}
}

func TestSanitizeClamps(t *testing.T) {
	r := NormalizedRect{XCenter: 1.4, YCenter: -0.2, Width: 0.01, Height: 3, Rotation: 4}
	got := r.Sanitize()

	if got.XCenter != 1 || got.YCenter != 0 {
		t.Errorf("Expected center clamped to (1, 0), got (%f, %f)", got.XCenter, got.YCenter)
	}
	if got.Width != 0.1 || got.Height != 2 {
		t.Errorf("Expected size clamped to 0.1x2, got %fx%f", got.Width, got.Height)
	}
	if got.Rotation > float32(math.Pi) || got.Rotation <= -float32(math.Pi) {
		t.Errorf("Expected normalized rotation, got %f", got.Rotation)
	}
}

func TestReleaseNil(t *testing.T) {
	var m *FaceMeshResult
	m.Release()
	var d *FaceDetectionResult
	d.Release()

	res := &FaceMeshResult{Landmarks: make([]Landmark, 3)}
	res.Release()
	if res.Landmarks != nil {
		t.Error("Expected landmarks to be dropped")
	}
}
