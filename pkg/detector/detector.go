// Package detector runs the short-range face detector on whole frames.
package detector

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/face-landmarker/internal/log"
	"github.com/menta2k/face-landmarker/pkg/anchors"
	"github.com/menta2k/face-landmarker/pkg/detection"
	"github.com/menta2k/face-landmarker/pkg/engine"
	"github.com/menta2k/face-landmarker/pkg/frame"
	"github.com/menta2k/face-landmarker/pkg/nms"
	"github.com/menta2k/face-landmarker/pkg/resample"
	"github.com/menta2k/face-landmarker/pkg/types"
)

// Options configure a detection context. Start from DefaultOptions; non-positive numeric
// values are replaced by their defaults.
type Options struct {
	Threads        int
	Delegate       engine.Delegate
	ScoreThreshold float32
	NMSThreshold   float32
	MaxDetections  int
	BoxDecoding    detection.BoxDecoding
	Suppression    nms.Policy
	Border         resample.BorderMode

	// Anchors overrides the short-range anchor layout. Input size is always taken from
	// the model.
	Anchors *anchors.Options
}

// DefaultOptions returns the settings of the short-range face detector
func DefaultOptions() Options {
	return Options{
		Threads:        2,
		Delegate:       engine.DelegateCPU,
		ScoreThreshold: 0.5,
		NMSThreshold:   0.3,
		MaxDetections:  1,
		BoxDecoding:    detection.BoxDecodingLinear,
		Suppression:    nms.Weighted,
		Border:         resample.BorderReplicate,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Threads <= 0 {
		o.Threads = d.Threads
	}
	if o.ScoreThreshold <= 0 {
		o.ScoreThreshold = d.ScoreThreshold
	}
	if o.NMSThreshold <= 0 {
		o.NMSThreshold = d.NMSThreshold
	}
	if o.MaxDetections <= 0 {
		o.MaxDetections = d.MaxDetections
	}
	return o
}

// Detector is a face detection context. It is not safe for concurrent use; create one
// per goroutine.
type Detector struct {
	id      string
	logger  *logrus.Entry
	options Options

	model     engine.Model
	ownsModel bool
	interp    engine.Interpreter

	input          engine.Tensor
	regressorsOut  engine.Tensor
	classifiersOut engine.Tensor
	inputWidth     int
	inputHeight    int

	decoder *detection.Decoder
	nms     nms.Config

	// working buffers, reused across calls
	inputBuf   []float32
	regressors []float32
	scores     []float32
	raw        []detection.RawDetection

	lastErr string
	closed  bool
}

// New loads the model at path and creates a detection context that owns it
func New(eng engine.Engine, path string, opts Options) (*Detector, error) {
	if eng == nil {
		return nil, fmt.Errorf("%w: no inference engine", types.ErrConfiguration)
	}
	m, err := eng.LoadModel(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load detection model %s: %w", path, err)
	}
	d, err := newDetector(eng, m, opts)
	if err != nil {
		m.Close()
		return nil, err
	}
	d.ownsModel = true
	d.logger.WithField("path", path).Info("Face detector created")
	return d, nil
}

// NewFromModel creates a detection context over a model shared with other contexts.
// The caller keeps ownership of m.
func NewFromModel(eng engine.Engine, m engine.Model, opts Options) (*Detector, error) {
	if eng == nil || m == nil {
		return nil, fmt.Errorf("%w: engine and model are required", types.ErrConfiguration)
	}
	d, err := newDetector(eng, m, opts)
	if err != nil {
		return nil, err
	}
	d.logger.Info("Face detector created on shared model")
	return d, nil
}

func newDetector(eng engine.Engine, m engine.Model, opts Options) (*Detector, error) {
	opts = opts.withDefaults()
	id := log.NewContextID()
	logger := log.WithContext("detector", id)

	if _, ok := engine.ResolveDelegate(eng, opts.Delegate); !ok {
		logger.WithField("delegate", opts.Delegate).Warn("Delegate unavailable, falling back to CPU")
	}
	interp, err := eng.NewInterpreter(m, engine.Options{Threads: opts.Threads, Delegate: opts.Delegate})
	if err != nil {
		return nil, fmt.Errorf("failed to create interpreter: %w", err)
	}

	d := &Detector{
		id:      id,
		logger:  logger,
		options: opts,
		model:   m,
		interp:  interp,
		nms: nms.Config{
			Policy:       opts.Suppression,
			IoUThreshold: opts.NMSThreshold,
			MaxResults:   opts.MaxDetections,
		},
	}
	if err := d.bind(); err != nil {
		interp.Close()
		logger.WithError(err).Error("Face detector creation failed")
		return nil, err
	}
	return d, nil
}

// bind validates the model tensors and builds the anchor table and decoder
func (d *Detector) bind() error {
	if err := d.interp.AllocateTensors(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrConfiguration, err)
	}

	input, w, h, err := engine.ImageInput(d.interp)
	if err != nil {
		return err
	}
	regressors, regLen, err := engine.Float32Output(d.interp, 0)
	if err != nil {
		return err
	}
	classifiers, clsLen, err := engine.Float32Output(d.interp, 1)
	if err != nil {
		return err
	}

	anchorOpts := anchors.ShortRangeOptions()
	if d.options.Anchors != nil {
		anchorOpts = *d.options.Anchors
	}
	anchorOpts.InputWidth, anchorOpts.InputHeight = w, h
	table, err := anchors.Generate(anchorOpts)
	if err != nil {
		return err
	}

	decoder, err := detection.NewDecoder(detection.DecoderConfig{
		InputWidth:     w,
		InputHeight:    h,
		DecodeScale:    float32(w),
		ScoreThreshold: d.options.ScoreThreshold,
		BoxDecoding:    d.options.BoxDecoding,
		KeypointCount:  detection.MaxKeypoints,
	}, table, regLen, clsLen)
	if err != nil {
		return err
	}

	d.input, d.regressorsOut, d.classifiersOut = input, regressors, classifiers
	d.inputWidth, d.inputHeight = w, h
	d.decoder = decoder
	d.inputBuf = make([]float32, w*h*3)
	d.regressors = make([]float32, regLen)
	d.scores = make([]float32, clsLen)
	d.raw = make([]detection.RawDetection, 0, 16)

	d.logger.WithFields(logrus.Fields{
		"input":    fmt.Sprintf("%dx%d", w, h),
		"anchors":  len(table),
		"delegate": d.interp.Delegate(),
		"decoding": d.options.BoxDecoding,
		"nms":      d.options.Suppression,
	}).Debug("Detection model bound")
	return nil
}

// ID returns the context identifier used in log lines
func (d *Detector) ID() string {
	return d.id
}

// Options returns the effective options
func (d *Detector) Options() Options {
	return d.options
}

// InputSize returns the model input size
func (d *Detector) InputSize() (int, int) {
	return d.inputWidth, d.inputHeight
}

// AnchorCount returns the number of anchors in use
func (d *Detector) AnchorCount() int {
	return d.decoder.AnchorCount()
}

// LastError returns the message of the most recent failed call, or ""
func (d *Detector) LastError() string {
	return d.lastErr
}

// Process detects faces in img. Boxes and keypoints are normalized to the logical
// (rotated) image.
func (d *Detector) Process(img frame.Image, o resample.Orientation) (*types.FaceDetectionResult, error) {
	result, err := d.process(img, o)
	if err != nil {
		return nil, d.fail(err)
	}
	d.lastErr = ""
	return result, nil
}

func (d *Detector) process(img frame.Image, o resample.Orientation) (*types.FaceDetectionResult, error) {
	if d.closed {
		return nil, fmt.Errorf("%w: detector is closed", types.ErrInvalidInput)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: no image", types.ErrInvalidInput)
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}

	t, err := resample.Letterbox(d.inputBuf, d.inputWidth, d.inputHeight, img, o, d.options.Border)
	if err != nil {
		return nil, err
	}

	if err := d.input.CopyFrom(d.inputBuf); err != nil {
		return nil, err
	}
	if err := d.interp.Invoke(); err != nil {
		return nil, err
	}
	if err := d.regressorsOut.CopyTo(d.regressors); err != nil {
		return nil, err
	}
	if err := d.classifiersOut.CopyTo(d.scores); err != nil {
		return nil, err
	}

	d.raw, err = d.decoder.Decode(d.raw[:0], d.regressors, d.scores)
	if err != nil {
		return nil, err
	}
	kept := nms.Apply(d.raw, d.nms)

	result := &types.FaceDetectionResult{
		Detections:  make([]types.Detection, 0, len(kept)),
		ImageWidth:  t.ImageWidth,
		ImageHeight: t.ImageHeight,
	}
	for _, r := range kept {
		result.Detections = append(result.Detections, unproject(r, t))
	}

	d.logger.WithFields(logrus.Fields{
		"candidates": len(d.raw),
		"faces":      len(result.Detections),
	}).Debug("Frame processed")
	return result, nil
}

// unproject maps a detection from model-input pixels to the normalized logical image
func unproject(r detection.RawDetection, t resample.LetterboxTransform) types.Detection {
	cx, cy := t.ToImage(r.XCenter, r.YCenter)
	w, h := t.SizeToImage(r.Width, r.Height)

	det := types.Detection{
		Box: types.Box{
			XCenter: types.Clamp(cx, -0.5, 1.5),
			YCenter: types.Clamp(cy, -0.5, 1.5),
			Width:   types.Clamp(w, 0, 2),
			Height:  types.Clamp(h, 0, 2),
		},
		Score:     r.Score,
		Keypoints: make([]types.Keypoint, r.KeypointCount),
	}
	for i := 0; i < r.KeypointCount; i++ {
		kx, ky := t.ToImage(r.Keypoints[i].X, r.Keypoints[i].Y)
		det.Keypoints[i] = types.Keypoint{X: types.Clamp(kx, -0.5, 1.5), Y: types.Clamp(ky, -0.5, 1.5)}
	}
	return det
}

func (d *Detector) fail(err error) error {
	d.lastErr = err.Error()
	entry := d.logger.WithError(err)
	if errors.Is(err, types.ErrEngine) {
		entry = entry.WithField("status", engine.StatusOf(err))
	}
	entry.Error("Face detection failed")
	return err
}

// Close releases the interpreter, and the model when the context owns it. Further
// calls to Process fail.
func (d *Detector) Close() {
	if d.closed {
		return
	}
	d.closed = true
	d.interp.Close()
	if d.ownsModel {
		d.model.Close()
	}
	d.logger.Debug("Face detector closed")
}
