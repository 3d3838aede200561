package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/menta2k/face-landmarker/pkg/types"
)

// Status is the outcome of an engine call
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusUnsupported
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Error is returned by every failing engine call. It matches types.ErrEngine.
type Error struct {
	Op     string
	Status Status
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: %s: %s: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("engine: %s: %s", e.Op, e.Status)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{types.ErrEngine, e.Err}
	}
	return []error{types.ErrEngine}
}

// NewError builds an engine error for op
func NewError(op string, status Status, err error) *Error {
	return &Error{Op: op, Status: status, Err: err}
}

// StatusOf reports the engine status carried by err
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusError
}

// DType is a tensor element type
type DType int

const (
	DTypeUnknown DType = iota
	Float32
	Float16
	Int8
	UInt8
	Int16
	Int32
	Int64
	Bool
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int8:
		return "int8"
	case UInt8:
		return "uint8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// TensorInfo describes a tensor
type TensorInfo struct {
	Type     DType
	Dims     []int
	ByteSize int
}

// Elements returns the product of the dimensions
func (t TensorInfo) Elements() int {
	if len(t.Dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

func (t TensorInfo) String() string {
	dims := make([]string, len(t.Dims))
	for i, d := range t.Dims {
		dims[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s[%s]", t.Type, strings.Join(dims, "x"))
}

// Delegate selects an acceleration backend. Unavailable delegates fall back to CPU.
type Delegate int

const (
	DelegateCPU Delegate = iota
	DelegateXNNPACK
	DelegateGPU
)

func (d Delegate) String() string {
	switch d {
	case DelegateCPU:
		return "cpu"
	case DelegateXNNPACK:
		return "xnnpack"
	case DelegateGPU:
		return "gpu"
	default:
		return fmt.Sprintf("Delegate(%d)", int(d))
	}
}

// ParseDelegate maps a configuration name to a delegate
func ParseDelegate(s string) (Delegate, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu", "none":
		return DelegateCPU, nil
	case "xnnpack":
		return DelegateXNNPACK, nil
	case "gpu":
		return DelegateGPU, nil
	default:
		return DelegateCPU, fmt.Errorf("%w: unknown delegate %q", types.ErrConfiguration, s)
	}
}

// Options configure an interpreter
type Options struct {
	Threads  int
	Delegate Delegate
}

// Engine loads models and creates interpreters
type Engine interface {
	Name() string
	LoadModel(path string) (Model, error)
	NewInterpreter(m Model, opts Options) (Interpreter, error)
	Supports(d Delegate) bool
}

// Model is a loaded model. It may be shared read-only by several interpreters.
type Model interface {
	Close()
}

// Interpreter runs a model. It is not safe for concurrent use.
type Interpreter interface {
	AllocateTensors() error
	Invoke() error
	InputCount() int
	OutputCount() int
	// Input and Output return nil for an out-of-range index
	Input(i int) Tensor
	Output(i int) Tensor
	// Delegate reports the delegate actually in use
	Delegate() Delegate
	Close()
}

// Tensor copies float32 data in and out of the engine
type Tensor interface {
	Info() TensorInfo
	CopyFrom(src []float32) error
	CopyTo(dst []float32) error
}

// ResolveDelegate returns want when the engine supports it and CPU otherwise
func ResolveDelegate(e Engine, want Delegate) (Delegate, bool) {
	if want == DelegateCPU || e.Supports(want) {
		return want, true
	}
	return DelegateCPU, false
}
