package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunWorkers_WaitsForExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var finished atomic.Int32
	slowExit := func(ctx context.Context) {
		<-ctx.Done()
		// e.g. a final cursor write
		time.Sleep(20 * time.Millisecond)
		finished.Add(1)
	}
	wait := runWorkers(ctx, slowExit, slowExit)

	cancel()
	wait()
	assert.Equal(t, int32(2), finished.Load())
}

func TestRunWorkers_None(t *testing.T) {
	wait := runWorkers(context.Background())
	wait()
}
