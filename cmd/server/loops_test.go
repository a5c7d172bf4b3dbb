package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoopGroup_WaitsForLoopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var g loopGroup
	var finished atomic.Int32
	for i := 0; i < 2; i++ {
		g.Go(ctx, func(ctx context.Context) {
			<-ctx.Done()
			// A sweep still writing when cancel lands.
			time.Sleep(50 * time.Millisecond)
			finished.Add(1)
		})
	}

	cancel()
	assert.True(t, g.Wait(time.Second))
	assert.Equal(t, int32(2), finished.Load(), "Wait returned before the loops finished")
}

func TestLoopGroup_WaitGivesUpAfterTimeout(t *testing.T) {
	var g loopGroup
	release := make(chan struct{})
	defer close(release)
	g.Go(context.Background(), func(context.Context) { <-release })

	assert.False(t, g.Wait(20*time.Millisecond))
}
