package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"papertrade/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu      sync.Mutex
	fail    bool
	forming []model.Candle
	closed  []model.Candle
}

func (f *fakeWriter) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeWriter) WriteForming(_ context.Context, c model.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.forming = append(f.forming, c)
	return nil
}

func (f *fakeWriter) AppendClosed(_ context.Context, c model.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.closed = append(f.closed, c)
	return nil
}

func (f *fakeWriter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forming), len(f.closed)
}

func TestBufferedWriter_BuffersWhileOpenAndReplays(t *testing.T) {
	fw := &fakeWriter{}
	cb, clk := newTestBreaker(1, time.Second)
	bw := NewBufferedWriter(context.Background(), fw, cb, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	flushed := make(chan int, 1)
	bw.OnFlush = func(n int) { flushed <- n }

	fw.setFail(true)
	assert.Error(t, bw.AppendClosed(flat("ACB", bucket0, "25")), "first failure trips the breaker")
	require.Equal(t, StateOpen, cb.CurrentState())

	require.NoError(t, bw.AppendClosed(flat("ACB", bucket0, "25")))
	require.NoError(t, bw.WriteForming(flat("ACB", bucket0.Add(time.Minute), "25.1")))
	require.NoError(t, bw.WriteForming(flat("ACB", bucket0.Add(time.Minute), "25.2")))
	assert.Equal(t, 2, bw.PendingCount(), "forming updates collapse")

	fw.setFail(false)
	clk.advance(2 * time.Second)
	require.NoError(t, bw.AppendClosed(flat("ACB", bucket0.Add(time.Minute), "25.2")))

	select {
	case n := <-flushed:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("buffer was not flushed after the breaker closed")
	}
	forming, closed := fw.counts()
	assert.Equal(t, 1, forming)
	assert.Equal(t, 2, closed)
	assert.Zero(t, bw.PendingCount())
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	fw := &fakeWriter{}
	cb, _ := newTestBreaker(1, time.Hour)
	bw := NewBufferedWriter(context.Background(), fw, cb, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))

	fw.setFail(true)
	bw.AppendClosed(flat("ACB", bucket0, "25"))
	for i := 1; i <= 3; i++ {
		require.NoError(t, bw.AppendClosed(flat("ACB", bucket0.Add(time.Duration(i)*time.Minute), "25")))
	}
	assert.Equal(t, 2, bw.PendingCount())
}
