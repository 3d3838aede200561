package facelandmarker

import (
	"errors"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/menta2k/face-landmarker/pkg/detector"
	"github.com/menta2k/face-landmarker/pkg/engine/enginetest"
	"github.com/menta2k/face-landmarker/pkg/frame"
	"github.com/menta2k/face-landmarker/pkg/mesh"
	"github.com/menta2k/face-landmarker/pkg/resample"
	"github.com/menta2k/face-landmarker/pkg/tracking"
)

// createDetectorEngine reports a face on anchor 238 when face is true
func createDetectorEngine(face *bool) *enginetest.Engine {
	return enginetest.NewEngine(
		[][]int{{1, 128, 128, 3}},
		[][]int{{1, 896, 16}, {1, 896, 1}},
		func(in, out [][]float32) error {
			for i := range out[1] {
				out[1][i] = -10
			}
			if *face {
				out[1][238] = 4
				r := out[0][238*16 : 239*16]
				r[2], r[3] = 30, 30
				r[6] = 10
			}
			return nil
		},
	)
}

// createMeshEngine returns a grid of landmarks over the middle of the crop
func createMeshEngine(score *float32) *enginetest.Engine {
	return enginetest.NewEngine(
		[][]int{{1, 192, 192, 3}},
		[][]int{{1, 468 * 3}, {1, 1}},
		func(in, out [][]float32) error {
			for i := 0; i < 468; i++ {
				out[0][i*3] = 0.3 + float32(i%10)*0.04
				out[0][i*3+1] = 0.3 + float32(i/10%10)*0.04
			}
			out[1][0] = *score
			return nil
		},
	)
}

func createTestImage(width, height int) *frame.Packed {
	return frame.FromImage(imaging.New(width, height, color.NRGBA{R: 64, G: 64, B: 64, A: 255}))
}

func TestLastGlobalError(t *testing.T) {
	e := enginetest.NewEngine(nil, nil, nil)
	e.FailLoad = true

	if _, err := NewDetector(e, "missing.tflite", detector.DefaultOptions()); !errors.Is(err, ErrEngine) {
		t.Fatalf("Expected engine error, got %v", err)
	}
	if LastGlobalError() == "" {
		t.Error("Expected global error to be recorded")
	}

	face := true
	if _, err := NewMesh(createDetectorEngine(&face), "detector.tflite", mesh.DefaultOptions()); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected configuration error for a detector model in a mesh context, got %v", err)
	}

	score := float32(1)
	m, err := NewMesh(createMeshEngine(&score), "mesh.tflite", mesh.DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to create mesh: %v", err)
	}
	defer m.Close()
	if LastGlobalError() != "" {
		t.Errorf("Expected global error cleared, got %q", LastGlobalError())
	}
}

func TestPipeline(t *testing.T) {
	face := true
	score := float32(0.9)
	detEngine := createDetectorEngine(&face)

	d, err := NewDetector(detEngine, "detector.tflite", detector.DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}
	defer d.Close()
	m, err := NewMesh(createMeshEngine(&score), "mesh.tflite", mesh.DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to create mesh: %v", err)
	}
	defer m.Close()

	p, err := NewPipeline(d, m)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	img := createTestImage(128, 128)

	// first frame detects and seeds the mesh
	res, err := p.Process(img, resample.Orientation{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Detection == nil || res.Mesh == nil {
		t.Fatalf("Expected detection and mesh, got %+v", res)
	}
	if m.TrackingState() != tracking.Tracking {
		t.Errorf("Expected mesh to track, got %v", m.TrackingState())
	}
	if detEngine.Last().Invocations != 1 {
		t.Errorf("Expected 1 detector run, got %d", detEngine.Last().Invocations)
	}

	// second frame tracks without the detector
	res, err = p.Process(img, resample.Orientation{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Detection != nil || res.Mesh == nil {
		t.Errorf("Expected mesh-only frame, got %+v", res)
	}
	if detEngine.Last().Invocations != 1 {
		t.Errorf("Expected detector to be skipped, got %d runs", detEngine.Last().Invocations)
	}

	// an orientation change detects again
	if _, err := p.Process(img, resample.Orientation{Mirror: true}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if detEngine.Last().Invocations != 2 {
		t.Errorf("Expected detector to run after orientation change, got %d runs", detEngine.Last().Invocations)
	}

	// a weak mesh drops the track
	score = 0.1
	if _, err := p.Process(img, resample.Orientation{Mirror: true}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if m.TrackingState() != tracking.Uninitialized {
		t.Errorf("Expected track to be dropped, got %v", m.TrackingState())
	}

	// no face means no mesh
	face = false
	res, err = p.Process(img, resample.Orientation{Mirror: true})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Detection != nil || res.Mesh != nil {
		t.Errorf("Expected empty result, got %+v", res)
	}
	res.Release()
}

func TestNewPipelineRequiresContexts(t *testing.T) {
	if _, err := NewPipeline(nil, nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
