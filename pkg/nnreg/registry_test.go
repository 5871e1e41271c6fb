package nnreg

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/vrusight/vrusight/pkg/nn"
)

func TestRegisterAndLoad(t *testing.T) {
	r := NewRegistry(logs.NewTestingLog(t))
	r.Register("m1", "/nonexistent/model", KindStub)

	model, err := r.Load("m1")
	require.NoError(t, err)
	require.NotNil(t, model)

	// Second load returns the cached instance
	again, err := r.Load("m1")
	require.NoError(t, err)
	require.Same(t, model, again)

	_, err = r.Load("never-registered")
	require.True(t, errors.Is(err, ErrUnknownModel))
}

func TestFallbackToStub(t *testing.T) {
	// An unknown kind with no factory must still produce a working model
	r := NewRegistry(logs.NewTestingLog(t))
	r.Register("m1", "/nonexistent/model.onnx", Kind("onnx"))

	model, err := r.Load("m1")
	require.NoError(t, err)
	require.Equal(t, "stub", model.Config().Architecture)

	// A factory that fails to construct also falls back
	r2 := NewRegistry(logs.NewTestingLog(t))
	r2.RegisterFactory(Kind("onnx"), func(logger logs.Log, path string) (nn.Model, error) {
		return nil, errors.New("backend unavailable")
	})
	r2.Register("m2", "/nonexistent/model.onnx", Kind("onnx"))
	model, err = r2.Load("m2")
	require.NoError(t, err)
	require.Equal(t, "stub", model.Config().Architecture)
}

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry(logs.NewTestingLog(t))
	r.Register("m1", "a", KindStub)
	model, err := r.Load("m1")
	require.NoError(t, err)

	// Re-registering a loaded entry keeps the loaded instance
	r.Register("m1", "b", KindStub)
	again, err := r.Load("m1")
	require.NoError(t, err)
	require.Same(t, model, again)
}

func TestActiveModel(t *testing.T) {
	r := NewRegistry(logs.NewTestingLog(t))
	_, err := r.Active()
	require.True(t, errors.Is(err, ErrNoActiveModel))

	require.True(t, errors.Is(r.SetActive("m1"), ErrUnknownModel))

	r.Register("m1", "", KindStub)
	require.NoError(t, r.SetActive("m1"))
	model, err := r.Active()
	require.NoError(t, err)
	require.NotNil(t, model)

	// With no explicit active model, the well-known default id is used
	r2 := NewRegistry(logs.NewTestingLog(t))
	r2.Register(DefaultModelID, "", KindStub)
	model, err = r2.Active()
	require.NoError(t, err)
	require.NotNil(t, model)
}

func TestSingleFlightLoad(t *testing.T) {
	r := NewRegistry(logs.NewTestingLog(t))
	constructions := atomic.Int64{}
	r.RegisterFactory(Kind("slow"), func(logger logs.Log, path string) (nn.Model, error) {
		constructions.Add(1)
		time.Sleep(50 * time.Millisecond)
		return NewStubModel("slow", 640, 640), nil
	})
	r.Register("m1", "", Kind("slow"))

	models := make([]nn.Model, 16)
	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := r.Load("m1")
			require.NoError(t, err)
			models[i] = m
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), constructions.Load())
	for _, m := range models {
		require.Same(t, models[0], m)
	}
}

func TestStubDeterminism(t *testing.T) {
	a := NewStubModel("s", 640, 640)
	b := NewStubModel("s", 640, 640)
	input := &nn.Tensor{Batch: 1, Width: 640, Height: 640, NChan: 3}

	for i := 0; i < 10; i++ {
		da, err := a.Predict(input)
		require.NoError(t, err)
		db, err := b.Predict(input)
		require.NoError(t, err)
		require.Equal(t, da, db)
		require.NotEmpty(t, da)
		for _, det := range da {
			require.True(t, nn.IsVRUClass(det.Class))
			require.GreaterOrEqual(t, det.Confidence, 0.0)
			require.LessOrEqual(t, det.Confidence, 1.0)
			require.Greater(t, det.Box.Area(), 0.0)
		}
	}
}

func TestStubNameSeedsSequence(t *testing.T) {
	// Different model names must yield different synthetic tracks
	a := NewStubModel("a", 640, 640)
	b := NewStubModel("b", 640, 640)
	input := &nn.Tensor{Batch: 1, Width: 640, Height: 640, NChan: 3}
	da, err := a.Predict(input)
	require.NoError(t, err)
	db, err := b.Predict(input)
	require.NoError(t, err)
	require.NotEmpty(t, da)
	require.NotEmpty(t, db)
	require.NotEqual(t, da[0].Box, db[0].Box)
}

func TestStubBatch(t *testing.T) {
	s := NewStubModel("s", 640, 640)
	input := &nn.Tensor{Batch: 8, Width: 640, Height: 640, NChan: 3}
	out, err := s.PredictBatch(input)
	require.NoError(t, err)
	require.Len(t, out, 8)
}
