package main

import (
	"flag"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	facelandmarker "github.com/menta2k/face-landmarker"
	"github.com/menta2k/face-landmarker/internal/config"
	"github.com/menta2k/face-landmarker/internal/log"
	"github.com/menta2k/face-landmarker/internal/utils"
	"github.com/menta2k/face-landmarker/pkg/cropper"
	"github.com/menta2k/face-landmarker/pkg/detector"
	"github.com/menta2k/face-landmarker/pkg/engine/tflite"
	"github.com/menta2k/face-landmarker/pkg/frame"
	"github.com/menta2k/face-landmarker/pkg/mesh"
	"github.com/menta2k/face-landmarker/pkg/processing"
	"github.com/menta2k/face-landmarker/pkg/resample"
	"github.com/menta2k/face-landmarker/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// report is the JSON document written per input
type report struct {
	Input       string                     `json:"input"`
	Mode        string                     `json:"mode"`
	Orientation resample.Orientation       `json:"orientation"`
	Detections  *types.FaceDetectionResult `json:"detections,omitempty"`
	Mesh        *types.FaceMeshResult      `json:"mesh,omitempty"`
}

type runner struct {
	cfg       *config.Config
	mode      string
	o         resample.Orientation
	processor *processing.Processor
	cropper   *cropper.FaceCropper
	ratios    []cropper.AspectRatio

	detector *detector.Detector
	mesh     *mesh.Mesh
	pipeline *facelandmarker.Pipeline
}

func main() {
	var in, mode, configPath, outDir, ext, crops string
	var rotation int
	var mirror, debug, initConfig bool

	flag.StringVar(&in, "in", "", "input image path, directory or URL (jpg/png/webp)")
	flag.StringVar(&mode, "mode", "both", "what to run: detect|mesh|both")
	flag.IntVar(&rotation, "rotation", 0, "clockwise rotation that makes the input upright: 0|90|180|270")
	flag.BoolVar(&mirror, "mirror", false, "mirror the upright image horizontally")
	flag.StringVar(&configPath, "config", "", "config file (yaml or json)")
	flag.StringVar(&outDir, "out", "", "output directory (overrides config)")
	flag.StringVar(&ext, "ext", "", "overlay format: jpg|png|webp (overrides config)")
	flag.BoolVar(&debug, "debug", false, "write overlay images")
	flag.StringVar(&crops, "crops", "", "comma-separated aspect ratios to crop around faces, e.g. square,4:5 (overrides config)")
	flag.BoolVar(&initConfig, "init-config", false, "write the default config to -config (or the user config path) and exit")
	flag.Parse()

	if initConfig {
		path := configPath
		if path == "" {
			path = config.GetConfigPath()
		}
		if err := config.Default().SaveToFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(path)
		return
	}

	if in == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -in image.jpg|dir|URL [-mode detect|mesh|both] [-rotation 0|90|180|270] [-mirror] [-config file] [-out dir] [-debug]\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if outDir != "" {
		cfg.Output.Dir = outDir
	}
	if ext != "" {
		cfg.Output.Format = strings.ToLower(ext)
	}
	cfg.Output.Debug = cfg.Output.Debug || debug
	if crops != "" {
		cfg.Output.Crops = strings.Split(crops, ",")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if err := log.Setup(cfg.LogOptions()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	o := resample.Orientation{Rotation: rotation, Mirror: mirror}
	if err := o.Validate(); err != nil {
		log.Fatal(log.Fields{"rotation": rotation}, err.Error())
	}

	inputs, err := utils.ExpandInputs(in)
	if err != nil {
		log.Fatal(log.Fields{"input": in}, err.Error())
	}
	if err := utils.EnsureDir(cfg.Output.Dir); err != nil {
		log.Fatal(log.Fields{"dir": cfg.Output.Dir}, err.Error())
	}

	r, err := newRunner(cfg, mode, o)
	if err != nil {
		log.Fatal(log.Fields{"mode": mode, "global_error": facelandmarker.LastGlobalError()}, err.Error())
	}

	failed := 0
	for _, input := range inputs {
		if err := r.run(input); err != nil {
			failed++
			log.Error(log.Fields{"input": input}, err.Error())
		}
	}
	r.Close()
	log.Info(log.Fields{"inputs": len(inputs), "failed": failed}, "done")
	if failed > 0 {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRunner(cfg *config.Config, mode string, o resample.Orientation) (*runner, error) {
	eng := tflite.New(log.NewLogger())
	r := &runner{cfg: cfg, mode: mode, o: o, processor: processing.NewProcessor()}

	cropCfg, ratios, err := cfg.CropOptions()
	if err != nil {
		return nil, err
	}
	r.cropper, r.ratios = cropper.NewWithConfig(cropCfg), ratios

	if mode == "detect" || mode == "both" {
		opts, err := cfg.DetectorOptions()
		if err != nil {
			return nil, err
		}
		if r.detector, err = facelandmarker.NewDetector(eng, cfg.Detector.ModelPath, opts); err != nil {
			return nil, err
		}
	}
	if mode == "mesh" || mode == "both" {
		opts, err := cfg.MeshOptions()
		if err != nil {
			r.Close()
			return nil, err
		}
		if r.mesh, err = facelandmarker.NewMesh(eng, cfg.Mesh.ModelPath, opts); err != nil {
			r.Close()
			return nil, err
		}
	}

	switch mode {
	case "detect", "mesh":
	case "both":
		p, err := facelandmarker.NewPipeline(r.detector, r.mesh)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.pipeline = p
	default:
		return nil, fmt.Errorf("%w: unknown mode %q (use detect, mesh or both)", types.ErrConfiguration, mode)
	}
	return r, nil
}

// run processes one input. Inputs are unrelated stills, so tracking restarts for each.
func (r *runner) run(input string) error {
	img, err := r.processor.LoadImageSmart(input)
	if err != nil {
		return err
	}
	f := frame.FromImage(img)
	rep := report{Input: input, Mode: r.mode, Orientation: r.o}

	switch r.mode {
	case "detect":
		if rep.Detections, err = r.detector.Process(f, r.o); err != nil {
			return err
		}
	case "mesh":
		r.mesh.ResetTracking()
		if rep.Mesh, err = r.mesh.Process(f, nil, r.o); err != nil {
			return err
		}
	default:
		r.mesh.ResetTracking()
		res, err := r.pipeline.Process(f, r.o)
		if err != nil {
			return err
		}
		rep.Mesh = res.Mesh
		if res.Detection != nil {
			w, h := r.o.LogicalSize(img.Bounds().Dx(), img.Bounds().Dy())
			rep.Detections = &types.FaceDetectionResult{
				Detections:  []types.Detection{*res.Detection},
				ImageWidth:  w,
				ImageHeight: h,
			}
		}
	}

	faces := 0
	if rep.Detections != nil {
		faces = len(rep.Detections.Detections)
	} else if rep.Mesh != nil {
		faces = 1
	}
	fields := log.Fields{"input": input, "faces": faces}
	if rep.Mesh != nil {
		fields["mesh_score"] = rep.Mesh.Score
	}
	log.Info(fields, "processed")

	if err := r.writeReport(input, &rep); err != nil {
		return err
	}
	if len(r.ratios) > 0 && rep.Detections != nil {
		if err := r.writeCrops(input, img, rep.Detections); err != nil {
			return err
		}
	}
	if r.cfg.Output.Debug {
		return r.writeOverlay(input, img, &rep)
	}
	return nil
}

func (r *runner) writeReport(input string, rep *report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	path := utils.OutputPath(input, r.cfg.Output.Dir, r.cfg.Output.Suffix, "json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	log.Debug(log.Fields{"path": path}, "wrote results")
	return nil
}

func (r *runner) writeOverlay(input string, img image.Image, rep *report) error {
	overlay := processing.Upright(img, r.o)
	if rep.Detections != nil {
		overlay = r.processor.DrawDetections(overlay, rep.Detections)
	}
	if rep.Mesh != nil {
		overlay = r.processor.DrawMesh(overlay, rep.Mesh)
	}
	path := utils.OutputPath(input, r.cfg.Output.Dir, r.cfg.Output.Suffix, r.cfg.Output.Format)
	if err := r.processor.SaveImage(overlay, path, r.cfg.Output.Format, r.cfg.Output.Quality); err != nil {
		return fmt.Errorf("failed to write overlay: %w", err)
	}
	log.Debug(log.Fields{"path": path}, "wrote overlay")
	return nil
}

func (r *runner) writeCrops(input string, img image.Image, dets *types.FaceDetectionResult) error {
	subjects := cropper.SubjectsFromDetections(dets)
	if len(subjects) == 0 {
		return nil
	}
	results, err := r.cropper.CropToMultipleRatios(processing.Upright(img, r.o), subjects, r.ratios)
	if err != nil {
		return err
	}
	for i, res := range results {
		suffix := r.cfg.Output.Suffix + "_" + r.ratios[i].Name
		path := utils.OutputPath(input, r.cfg.Output.Dir, suffix, r.cfg.Output.Format)
		if err := r.processor.SaveImage(res.Image, path, r.cfg.Output.Format, r.cfg.Output.Quality); err != nil {
			return fmt.Errorf("failed to write crop: %w", err)
		}
		log.Debug(log.Fields{"path": path, "quality": res.Quality}, "wrote crop")
	}
	return nil
}

func (r *runner) Close() {
	if r.detector != nil {
		r.detector.Close()
	}
	if r.mesh != nil {
		r.mesh.Close()
	}
}
