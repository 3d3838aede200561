// Package mesh runs the face landmark model on a tracked region of interest.
package mesh

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/face-landmarker/internal/log"
	"github.com/menta2k/face-landmarker/pkg/engine"
	"github.com/menta2k/face-landmarker/pkg/frame"
	"github.com/menta2k/face-landmarker/pkg/resample"
	"github.com/menta2k/face-landmarker/pkg/tracking"
	"github.com/menta2k/face-landmarker/pkg/types"
)

// Options configure a mesh context
type Options struct {
	Threads  int
	Delegate engine.Delegate
	Tracking tracking.Config
}

// DefaultOptions returns two threads on CPU with standard tracking
func DefaultOptions() Options {
	return Options{
		Threads:  2,
		Delegate: engine.DelegateCPU,
		Tracking: tracking.DefaultConfig(),
	}
}

// Mesh is a face mesh context. It owns the tracking state, so it must not be shared
// between goroutines.
type Mesh struct {
	id      string
	logger  *logrus.Entry
	options Options

	model     engine.Model
	ownsModel bool
	interp    engine.Interpreter

	input         engine.Tensor
	landmarksOut  engine.Tensor
	scoreOut      engine.Tensor
	inputWidth    int
	inputHeight   int
	landmarkCount int

	tracker *tracking.Tracker

	inputBuf    []float32
	landmarkBuf []float32
	scoreBuf    []float32

	lastErr string
	closed  bool
}

// New loads the model at path and creates a mesh context that owns it
func New(eng engine.Engine, path string, opts Options) (*Mesh, error) {
	if eng == nil {
		return nil, fmt.Errorf("%w: no inference engine", types.ErrConfiguration)
	}
	m, err := eng.LoadModel(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load mesh model %s: %w", path, err)
	}
	ms, err := newMesh(eng, m, opts)
	if err != nil {
		m.Close()
		return nil, err
	}
	ms.ownsModel = true
	ms.logger.WithField("path", path).Info("Face mesh created")
	return ms, nil
}

// NewFromModel creates a mesh context over a model shared with other contexts. Each
// context keeps its own tracker.
func NewFromModel(eng engine.Engine, m engine.Model, opts Options) (*Mesh, error) {
	if eng == nil || m == nil {
		return nil, fmt.Errorf("%w: engine and model are required", types.ErrConfiguration)
	}
	ms, err := newMesh(eng, m, opts)
	if err != nil {
		return nil, err
	}
	ms.logger.Info("Face mesh created on shared model")
	return ms, nil
}

func newMesh(eng engine.Engine, m engine.Model, opts Options) (*Mesh, error) {
	if opts.Threads <= 0 {
		opts.Threads = DefaultOptions().Threads
	}
	id := log.NewContextID()
	logger := log.WithContext("mesh", id)

	if _, ok := engine.ResolveDelegate(eng, opts.Delegate); !ok {
		logger.WithField("delegate", opts.Delegate).Warn("Delegate unavailable, falling back to CPU")
	}
	interp, err := eng.NewInterpreter(m, engine.Options{Threads: opts.Threads, Delegate: opts.Delegate})
	if err != nil {
		return nil, fmt.Errorf("failed to create interpreter: %w", err)
	}

	tracker := tracking.NewTracker(opts.Tracking)
	opts.Tracking = tracker.Config()

	ms := &Mesh{
		id:      id,
		logger:  logger,
		options: opts,
		model:   m,
		interp:  interp,
		tracker: tracker,
	}
	if err := ms.bind(); err != nil {
		interp.Close()
		logger.WithError(err).Error("Face mesh creation failed")
		return nil, err
	}
	return ms, nil
}

func (m *Mesh) bind() error {
	if err := m.interp.AllocateTensors(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrConfiguration, err)
	}

	input, w, h, err := engine.ImageInput(m.interp)
	if err != nil {
		return err
	}
	landmarks, n, err := engine.Float32Output(m.interp, 0)
	if err != nil {
		return err
	}
	if n%3 != 0 {
		return fmt.Errorf("%w: landmark output has %d values, not a multiple of 3", types.ErrConfiguration, n)
	}

	// the score output is optional; a missing or non-float one means score 1
	var score engine.Tensor
	var scoreLen int
	if m.interp.OutputCount() > 1 {
		if t, sn, err := engine.Float32Output(m.interp, 1); err == nil {
			score, scoreLen = t, sn
		} else {
			m.logger.WithError(err).Warn("Ignoring score output")
		}
	}

	m.input, m.landmarksOut, m.scoreOut = input, landmarks, score
	m.inputWidth, m.inputHeight = w, h
	m.landmarkCount = n / 3
	m.inputBuf = make([]float32, w*h*3)
	m.landmarkBuf = make([]float32, n)
	if score != nil {
		m.scoreBuf = make([]float32, scoreLen)
	}

	m.logger.WithFields(logrus.Fields{
		"input":     fmt.Sprintf("%dx%d", w, h),
		"landmarks": m.landmarkCount,
		"score":     score != nil,
		"delegate":  m.interp.Delegate(),
	}).Debug("Mesh model bound")
	return nil
}

// ID returns the context identifier used in log lines
func (m *Mesh) ID() string {
	return m.id
}

// Options returns the effective options
func (m *Mesh) Options() Options {
	return m.options
}

// InputSize returns the model input size
func (m *Mesh) InputSize() (int, int) {
	return m.inputWidth, m.inputHeight
}

// LandmarkCount returns the number of landmarks per result
func (m *Mesh) LandmarkCount() int {
	return m.landmarkCount
}

// TrackingState returns the tracker state
func (m *Mesh) TrackingState() tracking.State {
	return m.tracker.State()
}

// TrackedRect returns the rect the next frame will use when tracking
func (m *Mesh) TrackedRect() types.NormalizedRect {
	return m.tracker.Rect()
}

// ResetTracking drops the tracked rect
func (m *Mesh) ResetTracking() {
	m.tracker.Reset()
	m.logger.Debug("Tracking reset")
}

// LastError returns the message of the most recent failed call, or ""
func (m *Mesh) LastError() string {
	return m.lastErr
}

// Process runs the mesh model on img. A non-nil override replaces the tracked rect for
// this frame and becomes the tracked rect. On failure the tracker is left untouched.
func (m *Mesh) Process(img frame.Image, override *types.NormalizedRect, o resample.Orientation) (*types.FaceMeshResult, error) {
	result, err := m.process(img, override, o)
	if err != nil {
		return nil, m.fail(err)
	}
	m.lastErr = ""
	return result, nil
}

// ProcessYUV runs the mesh model on a planar YUV 4:2:0 frame
func (m *Mesh) ProcessYUV(f *frame.YUV420, override *types.NormalizedRect, o resample.Orientation) (*types.FaceMeshResult, error) {
	if f == nil {
		return nil, m.fail(fmt.Errorf("%w: no YUV frame", types.ErrInvalidInput))
	}
	return m.Process(f, override, o)
}

func (m *Mesh) process(img frame.Image, override *types.NormalizedRect, o resample.Orientation) (*types.FaceMeshResult, error) {
	if m.closed {
		return nil, fmt.Errorf("%w: mesh is closed", types.ErrInvalidInput)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: no image", types.ErrInvalidInput)
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	rawW, rawH := img.Size()
	width, height := o.LogicalSize(rawW, rawH)

	plan := m.tracker.Plan(o, override)
	roi, err := resample.NewROI(plan.Rect, width, height)
	if err != nil {
		return nil, err
	}
	if err := roi.Resample(m.inputBuf, m.inputWidth, m.inputHeight, img, o); err != nil {
		return nil, err
	}

	if err := m.input.CopyFrom(m.inputBuf); err != nil {
		return nil, err
	}
	if err := m.interp.Invoke(); err != nil {
		return nil, err
	}
	if err := m.landmarksOut.CopyTo(m.landmarkBuf); err != nil {
		return nil, err
	}
	score := float32(1)
	if m.scoreOut != nil {
		if err := m.scoreOut.CopyTo(m.scoreBuf); err != nil {
			return nil, err
		}
		score = m.scoreBuf[0]
	}

	result := &types.FaceMeshResult{
		Landmarks:   roi.Landmarks(make([]types.Landmark, 0, m.landmarkCount), m.landmarkBuf, m.landmarkCount, m.inputWidth, m.inputHeight),
		Rect:        plan.Rect,
		Score:       score,
		ImageWidth:  width,
		ImageHeight: height,
	}

	before := m.tracker.State()
	m.tracker.Commit(plan, result.Landmarks, score, width, height)
	if after := m.tracker.State(); after != before || plan.Reset {
		m.logger.WithFields(logrus.Fields{
			"from":     before,
			"to":       after,
			"reset":    plan.Reset,
			"override": plan.Override,
			"score":    score,
		}).Debug("Tracking state changed")
	}
	return result, nil
}

func (m *Mesh) fail(err error) error {
	m.lastErr = err.Error()
	entry := m.logger.WithError(err)
	if errors.Is(err, types.ErrEngine) {
		entry = entry.WithField("status", engine.StatusOf(err))
	}
	entry.Error("Face mesh failed")
	return err
}

// Close releases the interpreter, and the model when the context owns it
func (m *Mesh) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.interp.Close()
	if m.ownsModel {
		m.model.Close()
	}
	m.logger.Debug("Face mesh closed")
}
