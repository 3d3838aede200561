// Package facelandmarker finds faces and dense face landmarks in camera frames.
//
// A detection context runs the short-range face detector on whole frames. A mesh
// context runs the face landmark model on a rotated region of interest that it tracks
// from frame to frame. Both sit on an inference engine supplied by the caller, usually
// the TensorFlow Lite engine from pkg/engine/tflite.
//
// Basic usage:
//
//	eng := tflite.New(nil)
//
//	fm, err := facelandmarker.NewMesh(eng, "face_landmark.tflite", mesh.DefaultOptions())
//	if err != nil {
//		log.Fatal(facelandmarker.LastGlobalError())
//	}
//	defer fm.Close()
//
//	for img := range frames {
//		result, err := fm.Process(frame.FromImage(img), nil, resample.Orientation{})
//		if err != nil {
//			log.Print(fm.LastError())
//			continue
//		}
//		fmt.Println(len(result.Landmarks), result.Score)
//	}
//
// The package consists of these components:
//
// 1. Anchors, detection and nms (pkg/anchors, pkg/detection, pkg/nms): detector decoding
// 2. Resample (pkg/resample): letterbox and rotated-ROI sampling with orientation
// 3. Tracking (pkg/tracking): ROI tracker with hysteresis and smoothing
// 4. Detector and mesh (pkg/detector, pkg/mesh): the processing contexts
//
// Contexts are not safe for concurrent use. Use one per goroutine; models may be shared
// through NewFromModel.
package facelandmarker

import (
	"fmt"
	"sync/atomic"

	"github.com/menta2k/face-landmarker/internal/log"
	"github.com/menta2k/face-landmarker/pkg/detector"
	"github.com/menta2k/face-landmarker/pkg/engine"
	"github.com/menta2k/face-landmarker/pkg/frame"
	"github.com/menta2k/face-landmarker/pkg/mesh"
	"github.com/menta2k/face-landmarker/pkg/resample"
	"github.com/menta2k/face-landmarker/pkg/tracking"
	"github.com/menta2k/face-landmarker/pkg/types"
)

// Version of the face landmarker library
const Version = "1.0.0"

// Error categories, re-exported for callers that only import this package
var (
	ErrConfiguration = types.ErrConfiguration
	ErrInvalidInput  = types.ErrInvalidInput
	ErrEngine        = types.ErrEngine
)

var globalErr atomic.Value

// LastGlobalError returns the message of the last failure that happened before a
// context existed, or ""
func LastGlobalError() string {
	s, _ := globalErr.Load().(string)
	return s
}

func setGlobalError(err error) error {
	if err == nil {
		globalErr.Store("")
		return nil
	}
	globalErr.Store(err.Error())
	return err
}

// NewDetector creates a face detection context for the model at modelPath
func NewDetector(eng engine.Engine, modelPath string, opts detector.Options) (*detector.Detector, error) {
	d, err := detector.New(eng, modelPath, opts)
	if err != nil {
		log.Error(log.Fields{"path": modelPath, "error": err.Error()}, "Failed to create face detector")
		return nil, setGlobalError(fmt.Errorf("face detector: %w", err))
	}
	setGlobalError(nil)
	return d, nil
}

// NewMesh creates a face mesh context for the model at modelPath
func NewMesh(eng engine.Engine, modelPath string, opts mesh.Options) (*mesh.Mesh, error) {
	m, err := mesh.New(eng, modelPath, opts)
	if err != nil {
		log.Error(log.Fields{"path": modelPath, "error": err.Error()}, "Failed to create face mesh")
		return nil, setGlobalError(fmt.Errorf("face mesh: %w", err))
	}
	setGlobalError(nil)
	return m, nil
}

// PipelineResult is the output of one pipeline frame. Detection is set when the
// detector ran and found a face; Mesh is nil when no face was found.
type PipelineResult struct {
	Detection *types.Detection      `json:"detection,omitempty"`
	Mesh      *types.FaceMeshResult `json:"mesh,omitempty"`
}

// Release drops the result's buffers
func (r *PipelineResult) Release() {
	if r == nil {
		return
	}
	r.Mesh.Release()
	r.Detection = nil
	r.Mesh = nil
}

// Pipeline runs the detector only while the mesh is not tracking, and seeds the mesh
// ROI from the best detection. A mesh score below the tracking threshold drops the
// track so the next frame detects again.
type Pipeline struct {
	detector *detector.Detector
	mesh     *mesh.Mesh
	padding  float32

	orientation resample.Orientation
	started     bool
}

// NewPipeline combines a detector and a mesh context. The pipeline does not own them.
func NewPipeline(d *detector.Detector, m *mesh.Mesh) (*Pipeline, error) {
	if d == nil || m == nil {
		return nil, setGlobalError(fmt.Errorf("%w: pipeline needs a detector and a mesh", types.ErrConfiguration))
	}
	return &Pipeline{
		detector: d,
		mesh:     m,
		padding:  m.Options().Tracking.Padding,
	}, nil
}

// Process handles one frame
func (p *Pipeline) Process(img frame.Image, o resample.Orientation) (*PipelineResult, error) {
	tracked := p.started && o == p.orientation && p.mesh.TrackingState() == tracking.Tracking
	result := &PipelineResult{}

	var override *types.NormalizedRect
	if !tracked {
		dets, err := p.detector.Process(img, o)
		if err != nil {
			return nil, err
		}
		p.orientation, p.started = o, true
		if len(dets.Detections) == 0 {
			p.mesh.ResetTracking()
			return result, nil
		}
		best := dets.Detections[0]
		rect := tracking.RectFromDetection(best, dets.ImageWidth, dets.ImageHeight, p.padding)
		override = &rect
		result.Detection = &best
	}

	res, err := p.mesh.Process(img, override, o)
	if err != nil {
		return nil, err
	}
	p.orientation, p.started = o, true
	result.Mesh = res

	if res.Score < p.mesh.Options().Tracking.MinTrackingConfidence {
		p.mesh.ResetTracking()
	}
	return result, nil
}
