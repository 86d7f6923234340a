package offlinecache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRevalidationsJoinRunningKey(t *testing.T) {
	rv := newRevalidations(time.Second)
	var runs atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (revalidated, error) {
		runs.Add(1)
		<-release
		return revalidated{Stored: true}, nil
	}

	a := rv.start("GET:/a.json", fn)
	b := rv.start("GET:/a.json", fn)
	c := rv.start("GET:/b.json", fn)
	require.Same(t, a, b)
	require.NotSame(t, a, c)
	require.Equal(t, 2, rv.len())

	close(release)
	v, err := a.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, v.Stored)
	_, err = c.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), runs.Load())
	require.Eventually(t, func() bool { return rv.len() == 0 }, time.Second, time.Millisecond)
}

func TestRevalidationsTimeout(t *testing.T) {
	rv := newRevalidations(10 * time.Millisecond)
	f := rv.start("GET:/slow.json", func(ctx context.Context) (revalidated, error) {
		<-ctx.Done()
		return revalidated{}, ctx.Err()
	})
	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRevalidationsShutdown(t *testing.T) {
	rv := newRevalidations(time.Minute)
	f := rv.start("GET:/hung.json", func(ctx context.Context) (revalidated, error) {
		<-ctx.Done()
		return revalidated{}, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rv.shutdown(ctx))

	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, rv.len())

	_, err = rv.start("GET:/late.json", func(ctx context.Context) (revalidated, error) {
		t.Error("started after shutdown")
		return revalidated{}, nil
	}).Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestRevalidationsShutdownDeadline(t *testing.T) {
	rv := newRevalidations(time.Minute)
	release := make(chan struct{})
	defer close(release)
	rv.start("GET:/stubborn.json", func(ctx context.Context) (revalidated, error) {
		<-release
		return revalidated{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, rv.shutdown(ctx), context.DeadlineExceeded)
}
