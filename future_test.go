package offlinecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAsyncResolves(t *testing.T) {
	f := Async(func() (int, error) { return 42, nil })
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)

	select {
	case <-f.Done():
	default:
		t.Fatal("settled future is not done")
	}
}

func TestAsyncKeepsValueOnError(t *testing.T) {
	boom := errors.New("boom")
	v, err := Async(func() (string, error) { return "partial", boom }).Wait(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, "partial", v)
}

func TestAsyncRecoversPanics(t *testing.T) {
	_, err := Async(func() (int, error) { panic("kaputt") }).Wait(context.Background())
	require.ErrorContains(t, err, "kaputt")
}

func TestWaitGivesUpWithContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := Async(func() (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolvedResolvesOnce(t *testing.T) {
	f := Resolved(1, nil)
	f.resolve(2, errors.New("late"))
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}
