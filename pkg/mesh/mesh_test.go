package mesh

import (
	"errors"
	"image/color"
	"math"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/menta2k/face-landmarker/pkg/engine/enginetest"
	"github.com/menta2k/face-landmarker/pkg/frame"
	"github.com/menta2k/face-landmarker/pkg/resample"
	"github.com/menta2k/face-landmarker/pkg/tracking"
	"github.com/menta2k/face-landmarker/pkg/types"
)

const (
	testInput     = 192
	testLandmarks = 468
)

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-4
}

// fakeModel scripts the landmark model: a 20x20 grid of points covering the middle half
// of the crop, eyes level, reported in crop-normalized or input-pixel units
type fakeModel struct {
	score  float32
	pixels bool
}

func (f *fakeModel) invoke(in, out [][]float32) error {
	lms := out[0]
	for i := 0; i < testLandmarks; i++ {
		x := 0.25 + float32(i%20)/19*0.5
		y := 0.25 + float32(i/20%20)/19*0.5
		switch i {
		case tracking.RightEyeIndex:
			x, y = 0.4, 0.4
		case tracking.LeftEyeIndex:
			x, y = 0.6, 0.4
		}
		if f.pixels {
			x, y = x*testInput, y*testInput
		}
		lms[i*3], lms[i*3+1], lms[i*3+2] = x, y, 0.1
	}
	if len(out) > 1 {
		out[1][0] = f.score
	}
	return nil
}

func createTestEngine(f *fakeModel, withScore bool) *enginetest.Engine {
	outputs := [][]int{{1, 1, 1, testLandmarks * 3}}
	if withScore {
		outputs = append(outputs, []int{1, 1, 1, 1})
	}
	return enginetest.NewEngine([][]int{{1, testInput, testInput, 3}}, outputs, f.invoke)
}

func createTestFrame(width, height int) *frame.Packed {
	return frame.FromImage(imaging.New(width, height, color.NRGBA{R: 255, G: 0, B: 127, A: 255}))
}

func newTestMesh(t *testing.T, e *enginetest.Engine) *Mesh {
	t.Helper()
	m, err := New(e, "face_landmark.tflite", DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to create mesh: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestProcessFirstFrame(t *testing.T) {
	f := &fakeModel{score: 0.9}
	e := createTestEngine(f, true)
	m := newTestMesh(t, e)

	if m.LandmarkCount() != testLandmarks {
		t.Errorf("Expected %d landmarks, got %d", testLandmarks, m.LandmarkCount())
	}
	if m.TrackingState() != tracking.Uninitialized {
		t.Errorf("Expected uninitialized, got %v", m.TrackingState())
	}

	res, err := m.Process(createTestFrame(100, 100), nil, resample.Orientation{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Rect != types.DefaultRect() {
		t.Errorf("Expected the full-frame rect, got %+v", res.Rect)
	}
	if !near(res.Score, 0.9) || res.ImageWidth != 100 || res.ImageHeight != 100 {
		t.Errorf("Unexpected result header %v %dx%d", res.Score, res.ImageWidth, res.ImageHeight)
	}
	if len(res.Landmarks) != testLandmarks {
		t.Fatalf("Expected %d landmarks, got %d", testLandmarks, len(res.Landmarks))
	}
	// the full-frame rect on a square image is the identity
	if lm := res.Landmarks[0]; !near(lm.X, 0.25) || !near(lm.Y, 0.25) || !near(lm.Z, 0.1) {
		t.Errorf("Expected (0.25,0.25,0.1), got %+v", lm)
	}

	if m.TrackingState() != tracking.Tracking {
		t.Fatalf("Expected tracking, got %v", m.TrackingState())
	}
	r := m.TrackedRect()
	if !near(r.XCenter, 0.5) || !near(r.YCenter, 0.5) || !near(r.Width, 0.75) || !near(r.Height, 0.75) || !near(r.Rotation, 0) {
		t.Errorf("Expected 0.75 square at the center, got %+v", r)
	}

	// uniform input maps to c/127.5-1
	input := e.Last().InputData(0)
	for i := 0; i < len(input); i += 3 {
		if !near(input[i], 1) || !near(input[i+1], -1) || !near(input[i+2], 127/127.5-1) {
			t.Fatalf("Unexpected input pixel %d: %v", i/3, input[i:i+3])
		}
	}
}

func TestProcessTracksAndSmooths(t *testing.T) {
	f := &fakeModel{score: 0.9}
	m := newTestMesh(t, createTestEngine(f, true))
	img := createTestFrame(100, 100)

	if _, err := m.Process(img, nil, resample.Orientation{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	tracked := m.TrackedRect()

	res, err := m.Process(img, nil, resample.Orientation{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Rect != tracked {
		t.Errorf("Expected frame to use the tracked rect %+v, got %+v", tracked, res.Rect)
	}
	// landmarks span 0.375 of the image now; 1.5x padding gives 0.5625
	if got := m.TrackedRect().Width; !near(got, 0.75*0.8+0.5625*0.2) {
		t.Errorf("Expected smoothed width %f, got %f", 0.75*0.8+0.5625*0.2, got)
	}

	// low confidence keeps the rect bit-for-bit
	f.score = 0.1
	before := m.TrackedRect()
	if _, err := m.Process(img, nil, resample.Orientation{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if m.TrackedRect() != before || m.TrackingState() != tracking.Tracking {
		t.Errorf("Expected rect unchanged, got %+v", m.TrackedRect())
	}
}

func TestOrientationChangeResets(t *testing.T) {
	f := &fakeModel{score: 0.9}
	m := newTestMesh(t, createTestEngine(f, true))

	if _, err := m.Process(createTestFrame(100, 60), nil, resample.Orientation{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	res, err := m.Process(createTestFrame(100, 60), nil, resample.Orientation{Rotation: 270})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Rect != types.DefaultRect() {
		t.Errorf("Expected reset to the full-frame rect, got %+v", res.Rect)
	}
	if res.ImageWidth != 60 || res.ImageHeight != 100 {
		t.Errorf("Expected logical 60x100, got %dx%d", res.ImageWidth, res.ImageHeight)
	}
}

func TestOverride(t *testing.T) {
	m := newTestMesh(t, createTestEngine(&fakeModel{score: 0}, true))
	override := types.NormalizedRect{XCenter: 0.3, YCenter: 0.6, Width: 0.4, Height: 0.4, Rotation: 0.5}

	res, err := m.Process(createTestFrame(100, 100), &override, resample.Orientation{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Rect != override {
		t.Errorf("Expected override rect, got %+v", res.Rect)
	}
	if m.TrackingState() != tracking.Tracking || m.TrackedRect() != override {
		t.Errorf("Expected override to become the tracked rect despite score 0, got %+v", m.TrackedRect())
	}

	// the crop center still lands on the override center
	center := res.Landmarks[tracking.RightEyeIndex]
	if center.X < 0 || center.X > 1 {
		t.Errorf("Unexpected landmark %+v", center)
	}

	bad := types.NormalizedRect{XCenter: 0.5, YCenter: 0.5, Width: 0, Height: 1}
	res, err = m.Process(createTestFrame(100, 100), &bad, resample.Orientation{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Rect != types.DefaultRect() {
		t.Errorf("Expected malformed override to fall back to the default rect, got %+v", res.Rect)
	}
}

func TestPixelLandmarksAndMissingScore(t *testing.T) {
	f := &fakeModel{pixels: true}
	m := newTestMesh(t, createTestEngine(f, false))

	res, err := m.Process(createTestFrame(100, 100), nil, resample.Orientation{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Score != 1 {
		t.Errorf("Expected score 1 without a score output, got %f", res.Score)
	}
	if lm := res.Landmarks[0]; !near(lm.X, 0.25) || !near(lm.Y, 0.25) {
		t.Errorf("Expected pixel landmarks to normalize to (0.25,0.25), got %+v", lm)
	}
	if m.TrackingState() != tracking.Tracking {
		t.Error("Expected score 1 to start tracking")
	}
}

func TestFailuresLeaveTrackerUntouched(t *testing.T) {
	f := &fakeModel{score: 0.9}
	e := createTestEngine(f, true)
	m := newTestMesh(t, e)
	img := createTestFrame(100, 100)

	if _, err := m.Process(img, nil, resample.Orientation{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	state, rect := m.TrackingState(), m.TrackedRect()

	e.FailInvoke = true
	if _, err := m.Process(img, nil, resample.Orientation{}); !errors.Is(err, types.ErrEngine) {
		t.Errorf("Expected engine error, got %v", err)
	}
	e.FailInvoke = false
	e.FailCopy = true
	if _, err := m.Process(img, nil, resample.Orientation{Rotation: 90}); !errors.Is(err, types.ErrEngine) {
		t.Errorf("Expected engine error, got %v", err)
	}
	e.FailCopy = false
	if _, err := m.Process(img, nil, resample.Orientation{Rotation: 30}); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected invalid input, got %v", err)
	}
	if _, err := m.ProcessYUV(nil, nil, resample.Orientation{}); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected invalid input, got %v", err)
	}
	if m.LastError() == "" {
		t.Error("Expected last error to be recorded")
	}

	if m.TrackingState() != state || m.TrackedRect() != rect {
		t.Errorf("Expected tracker untouched, got %v %+v", m.TrackingState(), m.TrackedRect())
	}

	// the failed rotation never reached the tracker, so the next frame keeps tracking
	res, err := m.Process(img, nil, resample.Orientation{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Rect != rect {
		t.Errorf("Expected tracked rect, got %+v", res.Rect)
	}
	if m.LastError() != "" {
		t.Errorf("Expected last error cleared, got %q", m.LastError())
	}
}

func TestProcessYUV(t *testing.T) {
	m := newTestMesh(t, createTestEngine(&fakeModel{score: 0.9}, true))
	yuv := frame.YUVFromImage(imaging.New(64, 48, color.NRGBA{R: 128, G: 128, B: 128, A: 255}), frame.NV12)

	res, err := m.ProcessYUV(yuv, nil, resample.Orientation{Rotation: 90, Mirror: true})
	if err != nil {
		t.Fatalf("ProcessYUV failed: %v", err)
	}
	if res.ImageWidth != 48 || res.ImageHeight != 64 {
		t.Errorf("Expected logical 48x64, got %dx%d", res.ImageWidth, res.ImageHeight)
	}
}

func TestNewConfigurationErrors(t *testing.T) {
	e := enginetest.NewEngine([][]int{{1, 192, 192, 3}}, [][]int{{1, 1403}}, nil)
	if _, err := New(e, "m.tflite", DefaultOptions()); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error for a ragged landmark output, got %v", err)
	}
	if !e.Last().Closed {
		t.Error("Expected interpreter to be released")
	}

	e = enginetest.NewEngine([][]int{{1, 192, 192, 3}}, nil, nil)
	if _, err := New(e, "m.tflite", DefaultOptions()); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error without outputs, got %v", err)
	}

	if _, err := NewFromModel(e, nil, DefaultOptions()); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error without model, got %v", err)
	}
}

func TestResetTracking(t *testing.T) {
	m := newTestMesh(t, createTestEngine(&fakeModel{score: 0.9}, true))
	if _, err := m.Process(createTestFrame(100, 100), nil, resample.Orientation{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	m.ResetTracking()
	if m.TrackingState() != tracking.Uninitialized || m.TrackedRect() != types.DefaultRect() {
		t.Errorf("Expected reset tracker, got %v %+v", m.TrackingState(), m.TrackedRect())
	}
}

func BenchmarkProcess(b *testing.B) {
	m, err := New(createTestEngine(&fakeModel{score: 0.9}, true), "m.tflite", DefaultOptions())
	if err != nil {
		b.Fatalf("Failed to create mesh: %v", err)
	}
	defer m.Close()
	img := createTestFrame(640, 480)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Process(img, nil, resample.Orientation{}); err != nil {
			b.Fatal(err)
		}
	}
}
