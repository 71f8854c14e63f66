package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenerHandlesInput(t *testing.T) {
	in := make(chan int)
	var sum atomic.Int64
	stopped := false

	l := New("sum", in, func(v int) error {
		sum.Add(int64(v))
		return nil
	}, OnStop[int](func() { stopped = true }))
	l.Start(context.Background())

	for i := 1; i <= 4; i++ {
		in <- i
	}
	l.Stop()

	require.Equal(t, int64(10), sum.Load())
	require.True(t, stopped)
}

func TestListenerSurvivesHandlerErrors(t *testing.T) {
	in := make(chan int)
	var calls atomic.Int64

	l := New("failing", in, func(int) error {
		calls.Add(1)
		return errors.New("boom")
	})
	l.Start(context.Background())

	in <- 1
	in <- 2
	l.Stop()
	require.Equal(t, int64(2), calls.Load())
}

func TestListenerStopsOnClosedChannel(t *testing.T) {
	in := make(chan int)
	l := New("closed", in, func(int) error { return nil })
	l.Start(context.Background())
	close(in)

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	var stops atomic.Int64
	l := New("idle", make(chan int), func(int) error { return nil },
		OnStop[int](func() { stops.Add(1) }))

	l.Stop()
	l.Start(context.Background())
	l.Stop()
	l.Stop()
	require.Equal(t, int64(1), stops.Load())
}
