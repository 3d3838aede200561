package engine

import (
	"fmt"

	"github.com/menta2k/face-landmarker/pkg/types"
)

// ImageInput checks that input 0 is a float32 1xHxWx3 tensor and returns W and H
func ImageInput(it Interpreter) (Tensor, int, int, error) {
	if it.InputCount() < 1 {
		return nil, 0, 0, fmt.Errorf("%w: model has no input tensor", types.ErrConfiguration)
	}
	t := it.Input(0)
	if t == nil {
		return nil, 0, 0, fmt.Errorf("%w: input tensor 0 unavailable", types.ErrConfiguration)
	}
	info := t.Info()
	if info.Type != Float32 {
		return nil, 0, 0, fmt.Errorf("%w: input tensor must be float32, got %s", types.ErrConfiguration, info.Type)
	}
	if len(info.Dims) != 4 || info.Dims[0] != 1 || info.Dims[3] != 3 || info.Dims[1] <= 0 || info.Dims[2] <= 0 {
		return nil, 0, 0, fmt.Errorf("%w: input tensor must be 1xHxWx3, got %s", types.ErrConfiguration, info)
	}
	return t, info.Dims[2], info.Dims[1], nil
}

// Float32Output returns output i and its element count when it is a non-empty float32 tensor
func Float32Output(it Interpreter, i int) (Tensor, int, error) {
	if i >= it.OutputCount() {
		return nil, 0, fmt.Errorf("%w: model has %d outputs, need at least %d", types.ErrConfiguration, it.OutputCount(), i+1)
	}
	t := it.Output(i)
	if t == nil {
		return nil, 0, fmt.Errorf("%w: output tensor %d unavailable", types.ErrConfiguration, i)
	}
	info := t.Info()
	if info.Type != Float32 {
		return nil, 0, fmt.Errorf("%w: output tensor %d must be float32, got %s", types.ErrConfiguration, i, info.Type)
	}
	n := info.Elements()
	if n <= 0 {
		return nil, 0, fmt.Errorf("%w: output tensor %d is empty", types.ErrConfiguration, i)
	}
	return t, n, nil
}
