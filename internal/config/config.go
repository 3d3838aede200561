package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/face-landmarker/internal/log"
	"github.com/menta2k/face-landmarker/pkg/cropper"
	"github.com/menta2k/face-landmarker/pkg/detection"
	"github.com/menta2k/face-landmarker/pkg/detector"
	"github.com/menta2k/face-landmarker/pkg/engine"
	"github.com/menta2k/face-landmarker/pkg/mesh"
	"github.com/menta2k/face-landmarker/pkg/nms"
	"github.com/menta2k/face-landmarker/pkg/resample"
	"github.com/menta2k/face-landmarker/pkg/tracking"
	"github.com/menta2k/face-landmarker/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the application configuration
type Config struct {
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Detector DetectorConfig `json:"detector" yaml:"detector"`
	Mesh     MeshConfig     `json:"mesh" yaml:"mesh"`
	Output   OutputConfig   `json:"output" yaml:"output"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// EngineConfig holds inference engine settings shared by both models
type EngineConfig struct {
	Threads  int    `json:"threads" yaml:"threads" validate:"gte=1,lte=64"`
	Delegate string `json:"delegate" yaml:"delegate" validate:"oneof=cpu xnnpack gpu"`
}

// DetectorConfig holds face detection settings
type DetectorConfig struct {
	ModelPath      string  `json:"model_path" yaml:"model_path" validate:"required"`
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold" validate:"gt=0,lte=1"`
	NMSThreshold   float32 `json:"nms_threshold" yaml:"nms_threshold" validate:"gt=0,lte=1"`
	MaxDetections  int     `json:"max_detections" yaml:"max_detections" validate:"gte=1,lte=100"`
	BoxDecoding    string  `json:"box_decoding" yaml:"box_decoding" validate:"oneof=linear exponential"`
	Suppression    string  `json:"suppression" yaml:"suppression" validate:"oneof=greedy weighted"`
	Border         string  `json:"border" yaml:"border" validate:"oneof=replicate zero"`
}

// MeshConfig holds face mesh and tracking settings
type MeshConfig struct {
	ModelPath              string  `json:"model_path" yaml:"model_path" validate:"required"`
	MinDetectionConfidence float32 `json:"min_detection_confidence" yaml:"min_detection_confidence" validate:"gt=0,lte=1"`
	MinTrackingConfidence  float32 `json:"min_tracking_confidence" yaml:"min_tracking_confidence" validate:"gt=0,lte=1,ltefield=MinDetectionConfidence"`
	Smoothing              bool    `json:"smoothing" yaml:"smoothing"`
	SmoothingAlpha         float32 `json:"smoothing_alpha" yaml:"smoothing_alpha" validate:"gt=0,lt=1"`
	Padding                float32 `json:"padding" yaml:"padding" validate:"gte=1,lte=4"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	Dir     string `json:"dir" yaml:"dir" validate:"required"`
	Format  string `json:"format" yaml:"format" validate:"oneof=jpg png webp"`
	Quality int    `json:"quality" yaml:"quality" validate:"gte=1,lte=100"`
	Debug   bool   `json:"debug" yaml:"debug"`
	Suffix  string `json:"suffix" yaml:"suffix"`

	// Crops lists aspect ratios ("square", "4:5") to cut around detected faces
	Crops       []string `json:"crops" yaml:"crops" validate:"dive,required"`
	CropPadding float64  `json:"crop_padding" yaml:"crop_padding" validate:"gte=0,lte=1"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level    string `json:"level" yaml:"level" validate:"oneof=trace debug info warn warning error"`
	File     string `json:"file" yaml:"file"`
	NoColors bool   `json:"no_colors" yaml:"no_colors"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Threads:  2,
			Delegate: "cpu",
		},
		Detector: DetectorConfig{
			ModelPath:      "models/face_detection_short_range.tflite",
			ScoreThreshold: 0.5,
			NMSThreshold:   0.3,
			MaxDetections:  1,
			BoxDecoding:    "linear",
			Suppression:    "weighted",
			Border:         "replicate",
		},
		Mesh: MeshConfig{
			ModelPath:              "models/face_landmark.tflite",
			MinDetectionConfidence: 0.5,
			MinTrackingConfidence:  0.5,
			Smoothing:              true,
			SmoothingAlpha:         0.8,
			Padding:                1.5,
		},
		Output: OutputConfig{
			Dir:         "./output",
			Format:      "jpg",
			Quality:     90,
			Suffix:      "_faces",
			CropPadding: 0.1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration over the defaults. .yaml and .yml files are parsed
// as YAML, anything else as JSON.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if isYAML(filename) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file %s: %w", types.ErrConfiguration, filename, err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration in the format implied by the extension
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

// ApplyEnv loads the given .env files (or ./.env when none are given and it exists)
// and then applies FACE_* environment variables over the configuration
func (c *Config) ApplyEnv(envFiles ...string) error {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return fmt.Errorf("failed to load env files: %w", err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}

	var errs []error
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float32) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = float32(f)
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	setInt("FACE_THREADS", &c.Engine.Threads)
	setString("FACE_DELEGATE", &c.Engine.Delegate)
	setString("FACE_DETECTOR_MODEL", &c.Detector.ModelPath)
	setFloat("FACE_SCORE_THRESHOLD", &c.Detector.ScoreThreshold)
	setFloat("FACE_NMS_THRESHOLD", &c.Detector.NMSThreshold)
	setInt("FACE_MAX_DETECTIONS", &c.Detector.MaxDetections)
	setString("FACE_BOX_DECODING", &c.Detector.BoxDecoding)
	setString("FACE_SUPPRESSION", &c.Detector.Suppression)
	setString("FACE_MESH_MODEL", &c.Mesh.ModelPath)
	setFloat("FACE_MIN_DETECTION_CONFIDENCE", &c.Mesh.MinDetectionConfidence)
	setFloat("FACE_MIN_TRACKING_CONFIDENCE", &c.Mesh.MinTrackingConfidence)
	setBool("FACE_SMOOTHING", &c.Mesh.Smoothing)
	setString("FACE_OUTPUT_DIR", &c.Output.Dir)
	setString("FACE_OUTPUT_FORMAT", &c.Output.Format)
	if v, ok := os.LookupEnv("FACE_CROPS"); ok {
		c.Output.Crops = nil
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				c.Output.Crops = append(c.Output.Crops, r)
			}
		}
	}
	setString("FACE_LOG_LEVEL", &c.Log.Level)
	setString("FACE_LOG_FILE", &c.Log.File)

	if len(errs) > 0 {
		return fmt.Errorf("%w: invalid environment: %w", types.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %w", types.ErrConfiguration, err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			if fe.Param() != "" {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
			}
		}
		return fmt.Errorf("%w: %s", types.ErrConfiguration, strings.Join(msgs, "; "))
	}
	return nil
}

// DetectorOptions converts the configuration into detector options
func (c *Config) DetectorOptions() (detector.Options, error) {
	opts := detector.DefaultOptions()
	var err error

	opts.Threads = c.Engine.Threads
	if opts.Delegate, err = engine.ParseDelegate(c.Engine.Delegate); err != nil {
		return opts, err
	}
	opts.ScoreThreshold = c.Detector.ScoreThreshold
	opts.NMSThreshold = c.Detector.NMSThreshold
	opts.MaxDetections = c.Detector.MaxDetections
	if opts.BoxDecoding, err = detection.ParseBoxDecoding(c.Detector.BoxDecoding); err != nil {
		return opts, err
	}
	if opts.Suppression, err = nms.ParsePolicy(c.Detector.Suppression); err != nil {
		return opts, err
	}
	switch c.Detector.Border {
	case "", "replicate":
		opts.Border = resample.BorderReplicate
	case "zero":
		opts.Border = resample.BorderZero
	default:
		return opts, fmt.Errorf("%w: unknown border mode %q", types.ErrConfiguration, c.Detector.Border)
	}
	return opts, nil
}

// MeshOptions converts the configuration into mesh options
func (c *Config) MeshOptions() (mesh.Options, error) {
	delegate, err := engine.ParseDelegate(c.Engine.Delegate)
	if err != nil {
		return mesh.Options{}, err
	}
	return mesh.Options{
		Threads:  c.Engine.Threads,
		Delegate: delegate,
		Tracking: tracking.Config{
			MinDetectionConfidence: c.Mesh.MinDetectionConfidence,
			MinTrackingConfidence:  c.Mesh.MinTrackingConfidence,
			Smoothing:              c.Mesh.Smoothing,
			Alpha:                  c.Mesh.SmoothingAlpha,
			Padding:                c.Mesh.Padding,
		},
	}, nil
}

// CropOptions converts the output configuration into cropper settings and ratios
func (c *Config) CropOptions() (cropper.CropConfig, []cropper.AspectRatio, error) {
	cfg := cropper.CropConfig{PaddingRatio: c.Output.CropPadding}
	ratios := make([]cropper.AspectRatio, 0, len(c.Output.Crops))
	for _, name := range c.Output.Crops {
		r, err := cropper.ParseAspectRatio(name)
		if err != nil {
			return cfg, nil, err
		}
		ratios = append(ratios, r)
	}
	return cfg, ratios, nil
}

// LogOptions converts the configuration into logger options
func (c *Config) LogOptions() log.Options {
	return log.Options{
		Level:    c.Log.Level,
		File:     c.Log.File,
		NoColors: c.Log.NoColors,
	}
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "face-landmarker", "config.yaml")
}
