package detection

import (
	"fmt"
	"math"

	"github.com/menta2k/face-landmarker/pkg/anchors"
	"github.com/menta2k/face-landmarker/pkg/types"
)

const (
	// MaxKeypoints is the number of keypoint pairs encoded per anchor
	MaxKeypoints = 6
	// ValuesPerAnchor is the regression stride: 4 box values plus 2 per keypoint
	ValuesPerAnchor = 4 + 2*MaxKeypoints
)

// BoxDecoding selects how the width/height regression values are turned into a size
type BoxDecoding int

const (
	// BoxDecodingLinear computes size = d/S * anchorSize
	BoxDecodingLinear BoxDecoding = iota
	// BoxDecodingExponential computes size = exp(d/S) * anchorSize
	BoxDecodingExponential
)

func (b BoxDecoding) String() string {
	switch b {
	case BoxDecodingLinear:
		return "linear"
	case BoxDecodingExponential:
		return "exponential"
	default:
		return fmt.Sprintf("BoxDecoding(%d)", int(b))
	}
}

// ParseBoxDecoding maps a configuration name to a policy
func ParseBoxDecoding(s string) (BoxDecoding, error) {
	switch s {
	case "", "linear":
		return BoxDecodingLinear, nil
	case "exponential", "exp":
		return BoxDecodingExponential, nil
	default:
		return 0, fmt.Errorf("%w: unknown box decoding %q", types.ErrConfiguration, s)
	}
}

// RawDetection is a decoded candidate in model-input pixel space
type RawDetection struct {
	XCenter float32
	YCenter float32
	Width   float32
	Height  float32
	Score   float32

	Keypoints     [MaxKeypoints]types.Keypoint
	KeypointCount int

	// AnchorIndex is the position of the anchor that produced the detection. Suppression
	// uses it to break score ties.
	AnchorIndex int
}

// DecoderConfig configures a Decoder
type DecoderConfig struct {
	InputWidth  int
	InputHeight int

	// DecodeScale is S in the box formulas. Zero means InputWidth.
	DecodeScale    float32
	ScoreThreshold float32
	BoxDecoding    BoxDecoding
	// KeypointCount is the number of keypoint pairs to decode, at most MaxKeypoints
	KeypointCount int
}

// DefaultDecoderConfig returns the configuration of the short-range face detector
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		InputWidth:     128,
		InputHeight:    128,
		DecodeScale:    128,
		ScoreThreshold: 0.5,
		BoxDecoding:    BoxDecodingLinear,
		KeypointCount:  MaxKeypoints,
	}
}

// Decoder turns the regression/classification tensor pair into scored detections.
// It holds the anchor table for its lifetime and never modifies it.
type Decoder struct {
	config  DecoderConfig
	anchors []anchors.Anchor
}

// NewDecoder validates the configuration against the anchor table and the length of the
// regression output. A mismatch is a configuration error.
func NewDecoder(cfg DecoderConfig, table []anchors.Anchor, regressionLength, classificationLength int) (*Decoder, error) {
	if cfg.InputWidth <= 0 || cfg.InputHeight <= 0 {
		return nil, fmt.Errorf("%w: decoder input size must be positive, got %dx%d",
			types.ErrConfiguration, cfg.InputWidth, cfg.InputHeight)
	}
	if cfg.DecodeScale <= 0 {
		cfg.DecodeScale = float32(cfg.InputWidth)
	}
	if cfg.KeypointCount < 0 || cfg.KeypointCount > MaxKeypoints {
		return nil, fmt.Errorf("%w: keypoint count must be in [0,%d], got %d",
			types.ErrConfiguration, MaxKeypoints, cfg.KeypointCount)
	}
	if cfg.BoxDecoding != BoxDecodingLinear && cfg.BoxDecoding != BoxDecodingExponential {
		return nil, fmt.Errorf("%w: unknown box decoding %d", types.ErrConfiguration, int(cfg.BoxDecoding))
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: empty anchor table", types.ErrConfiguration)
	}
	if regressionLength != len(table)*ValuesPerAnchor {
		return nil, fmt.Errorf("%w: regression output has %d values, expected %d anchors x %d",
			types.ErrConfiguration, regressionLength, len(table), ValuesPerAnchor)
	}
	if classificationLength != len(table) {
		return nil, fmt.Errorf("%w: classification output has %d values, expected %d",
			types.ErrConfiguration, classificationLength, len(table))
	}

	return &Decoder{config: cfg, anchors: table}, nil
}

// Config returns the effective decoder configuration
func (d *Decoder) Config() DecoderConfig {
	return d.config
}

// AnchorCount returns the size of the anchor table
func (d *Decoder) AnchorCount() int {
	return len(d.anchors)
}

// Decode appends every anchor scoring at or above the threshold to dst and returns it.
// The result is in anchor order; suppression is responsible for ranking.
func (d *Decoder) Decode(dst []RawDetection, regressors, classificators []float32) ([]RawDetection, error) {
	n := len(d.anchors)
	if len(regressors) < n*ValuesPerAnchor || len(classificators) < n {
		return dst, fmt.Errorf("%w: decode buffers too small (%d regressors, %d scores) for %d anchors",
			types.ErrInvalidInput, len(regressors), len(classificators), n)
	}

	s := d.config.DecodeScale
	inW := float32(d.config.InputWidth)
	inH := float32(d.config.InputHeight)

	for i, a := range d.anchors {
		score := sigmoid(classificators[i])
		if score < d.config.ScoreThreshold {
			continue
		}

		r := regressors[i*ValuesPerAnchor : (i+1)*ValuesPerAnchor]
		cx := r[0]/s*a.Width + a.XCenter
		cy := r[1]/s*a.Height + a.YCenter

		var w, h float32
		switch d.config.BoxDecoding {
		case BoxDecodingExponential:
			w = float32(math.Exp(float64(r[2]/s))) * a.Width
			h = float32(math.Exp(float64(r[3]/s))) * a.Height
		default:
			w = r[2] / s * a.Width
			h = r[3] / s * a.Height
		}

		det := RawDetection{
			XCenter:       cx * inW,
			YCenter:       cy * inH,
			Width:         w * inW,
			Height:        h * inH,
			Score:         score,
			KeypointCount: d.config.KeypointCount,
			AnchorIndex:   i,
		}
		for k := 0; k < d.config.KeypointCount; k++ {
			kx := r[4+2*k]/s*a.Width + a.XCenter
			ky := r[5+2*k]/s*a.Height + a.YCenter
			det.Keypoints[k] = types.Keypoint{X: kx * inW, Y: ky * inH}
		}
		dst = append(dst, det)
	}
	return dst, nil
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// Box returns the detection's center/size box
func (d RawDetection) Box() types.Box {
	return types.Box{XCenter: d.XCenter, YCenter: d.YCenter, Width: d.Width, Height: d.Height}
}
