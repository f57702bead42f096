package loom

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAsync_SuspendsAndResumesOnAwait(t *testing.T) {
	loop := NewLoop()
	inner := NewPromise[string](loop)

	factory := Async(loop, func(tc *Context) (string, error) {
		v, err := Await(tc, inner)
		if err != nil {
			return "", err
		}
		return v + "!", nil
	})

	result := factory()
	go loop.Run()

	loop.AddTimer(5*time.Millisecond, func() { inner.Resolve("hi") })

	v, err := result.Result()
	require.NoError(t, err)
	require.Equal(t, "hi!", v)
}

func TestAsync_PanicRejectsResult(t *testing.T) {
	loop := NewLoop()
	factory := Async(loop, func(tc *Context) (int, error) {
		panic("boom")
	})
	result := factory()
	go loop.Run()

	_, err := result.Result()
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")
}

func TestAwait_OutsideTaskContextReturnsError(t *testing.T) {
	_, err := Await[int](nil, NewPromise[int](NewLoop()))
	require.ErrorIs(t, err, ErrNotInTaskContext)
}

func TestAsyncify_LiftsSynchronousCallable(t *testing.T) {
	v, err := Run(nil, Asyncify(func() int { return 11 }))
	require.NoError(t, err)
	require.Equal(t, 11, v)
}

func TestAsyncifyErr_PropagatesError(t *testing.T) {
	wantErr := errors.New("sync failure")
	_, err := Run(nil, AsyncifyErr(func() (int, error) { return 0, wantErr }))
	require.ErrorIs(t, err, wantErr)
}

func TestTryAsync_RecoversPanicIntoError(t *testing.T) {
	wrapped := TryAsync(func(tc *Context) (int, error) { panic("nope") })
	_, err := Run(nil, wrapped)
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")
}
