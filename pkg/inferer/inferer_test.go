package inferer

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/tensor"
)

func floatTensor(name string, values ...float32) *tensor.GenericTensor {
	return &tensor.GenericTensor{
		Name:        name,
		DType:       tensor.DTFloat32,
		Shape:       []int32{int32(len(values))},
		FlatFloat32: values,
	}
}

func TestTorchOriginalDeviceUsesInpDevice(t *testing.T) {
	var seenDevice string
	torch := NewTorch(func(in *tensor.Bundle, device string) (*tensor.Bundle, error) {
		seenDevice = device
		return in, nil
	})
	require.NoError(t, torch.Init("/models/m.pt", "original", map[string]any{"inp_device": "cuda:0"}))
	ok, err := torch.Load()
	require.NoError(t, err)
	require.True(t, ok)

	_, err = torch.Infer(&tensor.Bundle{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "cuda:0", seenDevice)
}

func TestTorchLoadRequiresPath(t *testing.T) {
	torch := NewTorch(nil)
	require.NoError(t, torch.Init("", "cpu", nil))
	ok, err := torch.Load()
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, apperror.Is(err, apperror.CodeModelLoad))
}

func TestTensorFlowInferBeforeLoadFails(t *testing.T) {
	tf := NewTensorFlow(func(in *tensor.Bundle, device string) (*tensor.Bundle, error) {
		return in, nil
	})
	require.NoError(t, tf.Init("/models/saved", "cpu", nil))

	_, err := tf.Infer(&tensor.Bundle{}, nil)
	require.Error(t, err)
}

func TestTensorRTRoundRobinAcrossWorkers(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	trt := NewTensorRT(3, func(in *tensor.Bundle, device string) (*tensor.Bundle, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return in, nil
	})
	require.NoError(t, trt.Init("/models/engine.plan", "cuda:0", nil))
	ok, err := trt.Load()
	require.NoError(t, err)
	require.True(t, ok)

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := trt.Infer(&tensor.Bundle{}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 9, calls)

	// Nine submissions leave the counter at a multiple of three, so the
	// next picks cycle worker 0, 1, 2, 0, 1, 2.
	for i := 0; i < 2*len(trt.workers); i++ {
		assert.Same(t, trt.workers[i%len(trt.workers)], trt.pickWorker())
	}
}

func TestOOMFlaggedErrorSurfacesAsOOM(t *testing.T) {
	torch := NewTorch(func(*tensor.Bundle, string) (*tensor.Bundle, error) {
		return nil, errors.New("CUDA out of memory: tried to allocate 2 GiB")
	})
	require.NoError(t, torch.Init("/models/m.pt", "cpu", nil))
	_, err := torch.Load()
	require.NoError(t, err)

	_, err = torch.Infer(&tensor.Bundle{}, nil)
	require.Error(t, err)
	assert.True(t, apperror.IsOOM(err))
}

func TestInferNeutralRoundTrips(t *testing.T) {
	torch := NewTorch(func(in *tensor.Bundle, _ string) (*tensor.Bundle, error) {
		return in, nil
	})
	require.NoError(t, torch.Init("/models/m.pt", "cpu", nil))
	_, err := torch.Load()
	require.NoError(t, err)

	in := []*tensor.GenericTensor{floatTensor("x", 1, 2, 3)}
	out, err := InferNeutral(torch, nil, in, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []float32{1, 2, 3}, out[0].FlatFloat32)
}

func TestInferNeutralValidatesDtype(t *testing.T) {
	torch := NewTorch(func(in *tensor.Bundle, _ string) (*tensor.Bundle, error) { return in, nil })
	require.NoError(t, torch.Init("/models/m.pt", "cpu", nil))
	_, err := torch.Load()
	require.NoError(t, err)

	in := []*tensor.GenericTensor{{DType: tensor.DTInt64, Shape: []int32{1}, FlatInt64: []int64{1}}}
	_, err = InferNeutral(torch, tensor.ValidateTensorRTDtype, in, nil)
	require.Error(t, err)
}
