package round

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/xenohash/pkg/log"
)

type slowFinalizer struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
	err      error
}

func (f *slowFinalizer) TryFinalize(context.Context) (*Block, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	f.calls.Add(1)
	time.Sleep(f.delay)
	return nil, f.err
}

func TestTicker_NoOverlap(t *testing.T) {
	f := &slowFinalizer{delay: 15 * time.Millisecond}
	ticker := NewTicker(f, 5*time.Millisecond, log.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	require.NoError(t, ticker.Run(ctx))

	assert.False(t, f.overlap.Load(), "finalize calls overlapped")
	assert.GreaterOrEqual(t, f.calls.Load(), int32(2))
	// each cycle takes at least delay+interval
	assert.LessOrEqual(t, f.calls.Load(), int32(6))
}

func TestTicker_ErrorsAreNotFatal(t *testing.T) {
	f := &slowFinalizer{err: errors.New("ledger down")}
	ticker := NewTicker(f, 2*time.Millisecond, log.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, ticker.Run(ctx))

	assert.Greater(t, f.calls.Load(), int32(3))
}

func TestTicker_StopsOnCancel(t *testing.T) {
	f := &slowFinalizer{}
	ticker := NewTicker(f, time.Hour, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ticker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop")
	}
	assert.Zero(t, f.calls.Load())
}

func TestNewTicker_DefaultInterval(t *testing.T) {
	assert.Equal(t, time.Second, NewTicker(&slowFinalizer{}, 0, log.Nop()).interval)
}
