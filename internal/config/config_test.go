package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/menta2k/face-landmarker/pkg/cropper"
	"github.com/menta2k/face-landmarker/pkg/detection"
	"github.com/menta2k/face-landmarker/pkg/engine"
	"github.com/menta2k/face-landmarker/pkg/nms"
	"github.com/menta2k/face-landmarker/pkg/resample"
	"github.com/menta2k/face-landmarker/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"threads", func(c *Config) { c.Engine.Threads = 0 }, "engine.threads"},
		{"delegate", func(c *Config) { c.Engine.Delegate = "tpu" }, "engine.delegate"},
		{"score", func(c *Config) { c.Detector.ScoreThreshold = 1.5 }, "detector.score_threshold"},
		{"decoding", func(c *Config) { c.Detector.BoxDecoding = "log" }, "detector.box_decoding"},
		{"model", func(c *Config) { c.Mesh.ModelPath = "" }, "mesh.model_path"},
		{"hysteresis", func(c *Config) { c.Mesh.MinTrackingConfidence = 0.9 }, "mesh.min_tracking_confidence"},
		{"alpha", func(c *Config) { c.Mesh.SmoothingAlpha = 1 }, "mesh.smoothing_alpha"},
		{"format", func(c *Config) { c.Output.Format = "gif" }, "output.format"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"crops", func(c *Config) { c.Output.Crops = []string{"square", ""} }, "output.crops"},
		{"crop padding", func(c *Config) { c.Output.CropPadding = -0.5 }, "output.crop_padding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if !errors.Is(err, types.ErrConfiguration) {
				t.Fatalf("Expected configuration error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error to name %s, got %q", tt.field, err.Error())
			}
		})
	}
}

func TestLoadSaveYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.yaml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			c := Default()
			c.Detector.Suppression = "greedy"
			c.Mesh.Padding = 2
			path := filepath.Join(dir, "nested", name)
			if err := c.SaveToFile(path); err != nil {
				t.Fatalf("SaveToFile failed: %v", err)
			}

			loaded, err := LoadFromFile(path)
			if err != nil {
				t.Fatalf("LoadFromFile failed: %v", err)
			}
			if loaded.Detector.Suppression != "greedy" || loaded.Mesh.Padding != 2 {
				t.Errorf("Expected saved values, got %+v %+v", loaded.Detector, loaded.Mesh)
			}
		})
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yml")
	if err := os.WriteFile(path, []byte("mesh:\n  smoothing: false\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if c.Mesh.Smoothing {
		t.Error("Expected smoothing disabled")
	}
	if c.Mesh.SmoothingAlpha != 0.8 || c.Detector.NMSThreshold != 0.3 {
		t.Errorf("Expected defaults for missing keys, got %+v", c)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(bad); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(envFile, []byte("FACE_MESH_MODEL=/models/mesh.tflite\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FACE_THREADS", "4")
	t.Setenv("FACE_DELEGATE", "xnnpack")
	t.Setenv("FACE_SMOOTHING", "false")
	t.Setenv("FACE_SCORE_THRESHOLD", "0.75")
	t.Setenv("FACE_CROPS", "square, 4:5,")
	// godotenv does not override variables that are already set
	t.Setenv("FACE_MESH_MODEL", "")
	os.Unsetenv("FACE_MESH_MODEL")

	c := Default()
	if err := c.ApplyEnv(envFile); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if c.Engine.Threads != 4 || c.Engine.Delegate != "xnnpack" || c.Mesh.Smoothing || c.Detector.ScoreThreshold != 0.75 {
		t.Errorf("Environment not applied: %+v", c)
	}
	if len(c.Output.Crops) != 2 || c.Output.Crops[1] != "4:5" {
		t.Errorf("Expected two crops, got %v", c.Output.Crops)
	}
	if c.Mesh.ModelPath != "/models/mesh.tflite" {
		t.Errorf("Expected model path from env file, got %q", c.Mesh.ModelPath)
	}

	t.Setenv("FACE_MAX_DETECTIONS", "many")
	if err := Default().ApplyEnv(envFile); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error for a bad number, got %v", err)
	}
}

func TestOptions(t *testing.T) {
	c := Default()
	c.Engine.Delegate = "xnnpack"
	c.Detector.BoxDecoding = "exponential"
	c.Detector.Suppression = "greedy"
	c.Detector.Border = "zero"
	c.Mesh.MinTrackingConfidence = 0.3

	d, err := c.DetectorOptions()
	if err != nil {
		t.Fatalf("DetectorOptions failed: %v", err)
	}
	if d.Delegate != engine.DelegateXNNPACK || d.BoxDecoding != detection.BoxDecodingExponential ||
		d.Suppression != nms.Greedy || d.Border != resample.BorderZero || d.Threads != 2 {
		t.Errorf("Unexpected detector options %+v", d)
	}

	m, err := c.MeshOptions()
	if err != nil {
		t.Fatalf("MeshOptions failed: %v", err)
	}
	if m.Tracking.MinTrackingConfidence != 0.3 || m.Tracking.Alpha != 0.8 || m.Tracking.Padding != 1.5 || !m.Tracking.Smoothing {
		t.Errorf("Unexpected mesh options %+v", m)
	}

	c.Engine.Delegate = "tpu"
	if _, err := c.MeshOptions(); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestCropOptions(t *testing.T) {
	c := Default()
	c.Output.Crops = []string{"square", "21:9"}
	cfg, ratios, err := c.CropOptions()
	if err != nil {
		t.Fatalf("CropOptions failed: %v", err)
	}
	if cfg.PaddingRatio != 0.1 {
		t.Errorf("Expected padding 0.1, got %f", cfg.PaddingRatio)
	}
	if len(ratios) != 2 || ratios[0] != cropper.Square || ratios[1].Width != 21 {
		t.Errorf("Unexpected ratios %+v", ratios)
	}

	c.Output.Crops = []string{"wide"}
	if _, _, err := c.CropOptions(); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
