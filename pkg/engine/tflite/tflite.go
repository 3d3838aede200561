// Package tflite runs models with the TensorFlow Lite C API through mattn/go-tflite.
package tflite

import (
	"fmt"
	"os"
	"sync"

	"github.com/mattn/go-tflite"
	"github.com/mattn/go-tflite/delegates"
	"github.com/mattn/go-tflite/delegates/xnnpack"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/face-landmarker/pkg/engine"
)

// Engine is the TensorFlow Lite backend
type Engine struct {
	logger *logrus.Logger
}

// New creates a TensorFlow Lite engine. A nil logger uses the logrus standard logger.
func New(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{logger: logger}
}

// Name implements engine.Engine
func (e *Engine) Name() string {
	return "tflite"
}

// Supports reports XNNPACK and CPU. GPU delegates are not wired in.
func (e *Engine) Supports(d engine.Delegate) bool {
	return d == engine.DelegateCPU || d == engine.DelegateXNNPACK
}

type model struct {
	m    *tflite.Model
	once sync.Once
}

func (m *model) Close() {
	m.once.Do(func() {
		if m.m != nil {
			m.m.Delete()
		}
	})
}

// LoadModel reads a .tflite flatbuffer from disk
func (e *Engine) LoadModel(path string) (engine.Model, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, engine.NewError("load model", engine.StatusError, err)
	}
	m := tflite.NewModelFromFile(path)
	if m == nil {
		return nil, engine.NewError("load model", engine.StatusError, fmt.Errorf("cannot parse %s", path))
	}
	e.logger.WithField("path", path).Debug("Model loaded")
	return &model{m: m}, nil
}

// NewInterpreter builds an interpreter. A delegate that cannot be created falls back to CPU.
func (e *Engine) NewInterpreter(m engine.Model, opts engine.Options) (engine.Interpreter, error) {
	tm, ok := m.(*model)
	if !ok || tm.m == nil {
		return nil, engine.NewError("new interpreter", engine.StatusError, fmt.Errorf("model %T was not loaded by this engine", m))
	}

	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	if opts.Threads > 0 {
		options.SetNumThread(opts.Threads)
	}

	want, supported := engine.ResolveDelegate(e, opts.Delegate)
	if !supported {
		e.logger.WithField("delegate", opts.Delegate).Warn("Delegate not available, using CPU")
	}

	var delegate delegates.Delegater
	if want == engine.DelegateXNNPACK {
		delegate = xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(opts.Threads, 1))})
		if delegate == nil {
			e.logger.Warn("XNNPACK delegate creation failed, using CPU")
			want = engine.DelegateCPU
		} else {
			options.AddDelegate(delegate)
		}
	}

	interp := tflite.NewInterpreter(tm.m, options)
	if interp == nil {
		if delegate != nil {
			delegate.Delete()
		}
		return nil, engine.NewError("new interpreter", engine.StatusError, fmt.Errorf("interpreter creation failed"))
	}

	e.logger.WithFields(logrus.Fields{
		"threads":  opts.Threads,
		"delegate": want,
	}).Debug("Interpreter created")

	return &interpreter{interp: interp, delegate: delegate, kind: want}, nil
}

type interpreter struct {
	interp   *tflite.Interpreter
	delegate delegates.Delegater
	kind     engine.Delegate
	once     sync.Once
}

func (i *interpreter) AllocateTensors() error {
	if st := i.interp.AllocateTensors(); st != tflite.OK {
		return engine.NewError("allocate tensors", engine.StatusError, fmt.Errorf("status %v", st))
	}
	return nil
}

func (i *interpreter) Invoke() error {
	if st := i.interp.Invoke(); st != tflite.OK {
		return engine.NewError("invoke", engine.StatusError, fmt.Errorf("status %v", st))
	}
	return nil
}

func (i *interpreter) InputCount() int {
	return i.interp.GetInputTensorCount()
}

func (i *interpreter) OutputCount() int {
	return i.interp.GetOutputTensorCount()
}

func (i *interpreter) Input(idx int) engine.Tensor {
	if idx < 0 || idx >= i.InputCount() {
		return nil
	}
	t := i.interp.GetInputTensor(idx)
	if t == nil {
		return nil
	}
	return tensor{t: t}
}

func (i *interpreter) Output(idx int) engine.Tensor {
	if idx < 0 || idx >= i.OutputCount() {
		return nil
	}
	t := i.interp.GetOutputTensor(idx)
	if t == nil {
		return nil
	}
	return tensor{t: t}
}

func (i *interpreter) Delegate() engine.Delegate {
	return i.kind
}

// Close deletes the interpreter before the delegate it references
func (i *interpreter) Close() {
	i.once.Do(func() {
		i.interp.Delete()
		if i.delegate != nil {
			i.delegate.Delete()
		}
	})
}

type tensor struct {
	t *tflite.Tensor
}

func (t tensor) Info() engine.TensorInfo {
	dims := make([]int, t.t.NumDims())
	for i := range dims {
		dims[i] = t.t.Dim(i)
	}
	return engine.TensorInfo{
		Type:     dtype(t.t.Type()),
		Dims:     dims,
		ByteSize: int(t.t.ByteSize()),
	}
}

func (t tensor) CopyFrom(src []float32) error {
	if need := int(t.t.ByteSize()) / 4; len(src) != need {
		return engine.NewError("copy to input", engine.StatusError, fmt.Errorf("got %d floats, tensor holds %d", len(src), need))
	}
	if st := t.t.CopyFromBuffer(src); st != tflite.OK {
		return engine.NewError("copy to input", engine.StatusError, fmt.Errorf("status %v", st))
	}
	return nil
}

func (t tensor) CopyTo(dst []float32) error {
	if need := int(t.t.ByteSize()) / 4; len(dst) != need {
		return engine.NewError("copy from output", engine.StatusError, fmt.Errorf("got %d floats, tensor holds %d", len(dst), need))
	}
	if st := t.t.CopyToBuffer(dst); st != tflite.OK {
		return engine.NewError("copy from output", engine.StatusError, fmt.Errorf("status %v", st))
	}
	return nil
}

func dtype(t tflite.TensorType) engine.DType {
	switch t {
	case tflite.Float32:
		return engine.Float32
	case tflite.Int8:
		return engine.Int8
	case tflite.UInt8:
		return engine.UInt8
	case tflite.Int16:
		return engine.Int16
	case tflite.Int32:
		return engine.Int32
	case tflite.Int64:
		return engine.Int64
	case tflite.Bool:
		return engine.Bool
	default:
		return engine.DTypeUnknown
	}
}
