package main

import (
	"context"
	"sync"
	"time"
)

// loopGroup tracks the background loops that touch the stores, so shutdown
// can wait for them before the deferred Close calls run.
type loopGroup struct {
	wg sync.WaitGroup
}

func (g *loopGroup) Go(ctx context.Context, run func(context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(ctx)
	}()
}

// Wait blocks until every loop has returned or timeout elapses. It reports
// whether all loops finished.
func (g *loopGroup) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
