package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"papertrade/internal/model"
)

// CandleWriter is what BufferedWriter forwards to; *Writer implements it.
type CandleWriter interface {
	WriteForming(ctx context.Context, c model.Candle) error
	AppendClosed(ctx context.Context, c model.Candle) error
}

// pendingWrite is a write held back while the breaker was open.
type pendingWrite struct {
	candle model.Candle
	closed bool
}

// BufferedWriter wraps a CandleWriter with a circuit breaker.
// While the breaker is open, writes are buffered locally and replayed
// when it closes again.
type BufferedWriter struct {
	writer CandleWriter
	cb     *CircuitBreaker
	ctx    context.Context
	log    *slog.Logger

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int // oldest dropped beyond this

	// OnFlush is called after buffered writes are replayed.
	OnFlush func(count int)
}

// NewBufferedWriter creates a BufferedWriter. ctx bounds replayed writes.
func NewBufferedWriter(ctx context.Context, w CandleWriter, cb *CircuitBreaker, maxBufferSize int, log *slog.Logger) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		log:    log.With("component", "buffered-writer"),
		buffer: make([]pendingWrite, 0, 256),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}
	return bw
}

// WriteForming replaces the forming bucket, or buffers it while the
// breaker is open.
func (bw *BufferedWriter) WriteForming(c model.Candle) error {
	return bw.write(pendingWrite{candle: c})
}

// AppendClosed appends a closed bucket, or buffers it while the breaker is
// open.
func (bw *BufferedWriter) AppendClosed(c model.Candle) error {
	return bw.write(pendingWrite{candle: c, closed: true})
}

func (bw *BufferedWriter) write(pw pendingWrite) error {
	err := bw.cb.Execute(func() error { return bw.forward(pw) })
	if errors.Is(err, ErrCircuitOpen) {
		bw.bufferWrite(pw)
		return nil
	}
	return err
}

func (bw *BufferedWriter) forward(pw pendingWrite) error {
	if pw.closed {
		return bw.writer.AppendClosed(bw.ctx, pw.candle)
	}
	return bw.writer.WriteForming(bw.ctx, pw.candle)
}

func (bw *BufferedWriter) bufferWrite(pw pendingWrite) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if !pw.closed {
		// Only the newest forming bucket per symbol matters.
		for i := range bw.buffer {
			b := &bw.buffer[i]
			if !b.closed && b.candle.Symbol == pw.candle.Symbol && b.candle.Interval == pw.candle.Interval {
				b.candle = pw.candle
				return
			}
		}
	}
	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, pw)
}

// flush replays all buffered writes through the underlying writer.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]pendingWrite, 0, 256)
	bw.mu.Unlock()

	flushed := 0
	for _, pw := range toFlush {
		if err := bw.forward(pw); err != nil {
			bw.log.Warn("replay failed", "symbol", pw.candle.Symbol, "closed", pw.closed, "err", err)
			continue
		}
		flushed++
	}

	bw.log.Info("flushed buffered writes", "count", flushed, "buffered", len(toFlush))
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
