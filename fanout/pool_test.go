package fanout

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsEveryTask(t *testing.T) {
	p := NewPool(3)
	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()
	p.Close()
	assert.Equal(t, int32(100), count.Load())
}

func TestPoolCloseDrainsQueue(t *testing.T) {
	p := NewPool(1)
	block := make(chan struct{})
	var count atomic.Int32
	require.NoError(t, p.Submit(func() { <-block }))
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func() { count.Add(1) }))
	}
	close(block)
	p.Close()
	assert.Equal(t, int32(10), count.Load())
	assert.Error(t, p.Submit(func() {}))
}

func TestPoolSurvivesPanicsAndGoexit(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { panic("boom") }))
	require.NoError(t, p.Submit(func() { runtime.Goexit() }))
	require.NoError(t, p.Submit(func() { close(done) }))
	<-done
	assert.Equal(t, 1, p.Size())
}
