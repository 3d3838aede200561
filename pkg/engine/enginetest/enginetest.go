// Package enginetest provides a scriptable in-memory engine for tests.
package enginetest

import (
	"fmt"
	"sync"

	"github.com/menta2k/face-landmarker/pkg/engine"
)

// InvokeFunc fills outputs from the current input contents
type InvokeFunc func(inputs [][]float32, outputs [][]float32) error

// Engine is a fake engine. Every interpreter it creates shares the same tensor layout
// and invoke function.
type Engine struct {
	Inputs  []engine.TensorInfo
	Outputs []engine.TensorInfo
	Invoke  InvokeFunc

	// Supported lists delegates besides CPU that the fake accepts
	Supported []engine.Delegate

	// Failure injection
	FailLoad     bool
	FailAllocate bool
	FailInvoke   bool
	FailCopy     bool

	mu     sync.Mutex
	last   *Interpreter
	loaded []string
}

// NewEngine builds a fake engine with float32 tensors of the given shapes
func NewEngine(inputs, outputs [][]int, invoke InvokeFunc) *Engine {
	return &Engine{
		Inputs:  Float32Tensors(inputs...),
		Outputs: Float32Tensors(outputs...),
		Invoke:  invoke,
	}
}

// Float32Tensors describes float32 tensors of the given shapes
func Float32Tensors(shapes ...[]int) []engine.TensorInfo {
	infos := make([]engine.TensorInfo, len(shapes))
	for i, dims := range shapes {
		info := engine.TensorInfo{Type: engine.Float32, Dims: append([]int(nil), dims...)}
		info.ByteSize = info.Elements() * 4
		infos[i] = info
	}
	return infos
}

func (e *Engine) Name() string {
	return "fake"
}

func (e *Engine) Supports(d engine.Delegate) bool {
	if d == engine.DelegateCPU {
		return true
	}
	for _, s := range e.Supported {
		if s == d {
			return true
		}
	}
	return false
}

type model struct {
	path   string
	closed bool
}

func (m *model) Close() {
	m.closed = true
}

func (e *Engine) LoadModel(path string) (engine.Model, error) {
	if e.FailLoad {
		return nil, engine.NewError("load model", engine.StatusError, fmt.Errorf("cannot open %s", path))
	}
	e.mu.Lock()
	e.loaded = append(e.loaded, path)
	e.mu.Unlock()
	return &model{path: path}, nil
}

// Loaded returns the model paths loaded so far
func (e *Engine) Loaded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.loaded...)
}

func (e *Engine) NewInterpreter(m engine.Model, opts engine.Options) (engine.Interpreter, error) {
	if _, ok := m.(*model); !ok {
		return nil, engine.NewError("new interpreter", engine.StatusError, fmt.Errorf("foreign model %T", m))
	}
	kind, _ := engine.ResolveDelegate(e, opts.Delegate)
	it := &Interpreter{engine: e, options: opts, kind: kind}
	e.mu.Lock()
	e.last = it
	e.mu.Unlock()
	return it, nil
}

// Last returns the most recently created interpreter
func (e *Engine) Last() *Interpreter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Interpreter is the fake interpreter
type Interpreter struct {
	engine  *Engine
	options engine.Options
	kind    engine.Delegate

	inputs  [][]float32
	outputs [][]float32

	Invocations int
	Closed      bool
}

// Options returns the options the interpreter was created with
func (i *Interpreter) Options() engine.Options {
	return i.options
}

func (i *Interpreter) AllocateTensors() error {
	if i.engine.FailAllocate {
		return engine.NewError("allocate tensors", engine.StatusError, nil)
	}
	i.inputs = make([][]float32, len(i.engine.Inputs))
	for n, info := range i.engine.Inputs {
		i.inputs[n] = make([]float32, info.Elements())
	}
	i.outputs = make([][]float32, len(i.engine.Outputs))
	for n, info := range i.engine.Outputs {
		i.outputs[n] = make([]float32, info.Elements())
	}
	return nil
}

func (i *Interpreter) Invoke() error {
	if i.inputs == nil {
		return engine.NewError("invoke", engine.StatusError, fmt.Errorf("tensors not allocated"))
	}
	if i.engine.FailInvoke {
		return engine.NewError("invoke", engine.StatusError, fmt.Errorf("injected failure"))
	}
	i.Invocations++
	if i.engine.Invoke == nil {
		return nil
	}
	return i.engine.Invoke(i.inputs, i.outputs)
}

func (i *Interpreter) InputCount() int {
	return len(i.engine.Inputs)
}

func (i *Interpreter) OutputCount() int {
	return len(i.engine.Outputs)
}

func (i *Interpreter) Input(n int) engine.Tensor {
	if n < 0 || n >= len(i.engine.Inputs) {
		return nil
	}
	return &tensor{it: i, info: i.engine.Inputs[n], data: func() []float32 { return i.inputs[n] }}
}

func (i *Interpreter) Output(n int) engine.Tensor {
	if n < 0 || n >= len(i.engine.Outputs) {
		return nil
	}
	return &tensor{it: i, info: i.engine.Outputs[n], data: func() []float32 { return i.outputs[n] }}
}

func (i *Interpreter) Delegate() engine.Delegate {
	return i.kind
}

func (i *Interpreter) Close() {
	i.Closed = true
}

// InputData returns the last data copied into input n
func (i *Interpreter) InputData(n int) []float32 {
	if n < 0 || n >= len(i.inputs) {
		return nil
	}
	return i.inputs[n]
}

type tensor struct {
	it   *Interpreter
	info engine.TensorInfo
	data func() []float32
}

func (t *tensor) Info() engine.TensorInfo {
	return t.info
}

func (t *tensor) CopyFrom(src []float32) error {
	return t.copy("copy to input", t.data(), src)
}

func (t *tensor) CopyTo(dst []float32) error {
	return t.copy("copy from output", dst, t.data())
}

func (t *tensor) copy(op string, dst, src []float32) error {
	if t.it.engine.FailCopy {
		return engine.NewError(op, engine.StatusError, fmt.Errorf("injected failure"))
	}
	if dst == nil || src == nil {
		return engine.NewError(op, engine.StatusError, fmt.Errorf("tensors not allocated"))
	}
	if len(dst) != len(src) {
		return engine.NewError(op, engine.StatusError, fmt.Errorf("got %d floats, tensor holds %d", len(src), len(dst)))
	}
	copy(dst, src)
	return nil
}
