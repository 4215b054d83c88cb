package worker

// ============================================================================
// Dispatch Pool Test File
// Purpose: Verify concurrent execution, panic isolation, graceful shutdown
// ============================================================================

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating a pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10, nil)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.Size())
	assert.ErrorIs(t, pool.Submit(func() {}), ErrPoolNotStarted)
}

// TestPoolStart tests starting a pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10, nil)

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.Size())

	// Try to start again
	err = pool.Start(4)
	assert.Error(t, err)

	pool.Stop()
}

// TestPoolExecution tests that every submitted task runs
func TestPoolExecution(t *testing.T) {
	pool := NewPool(10, nil)
	require.NoError(t, pool.Start(4))

	var wg sync.WaitGroup
	var done atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			done.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(50), done.Load())

	pool.Stop()
}

// TestPoolConcurrency tests that tasks run in parallel up to the pool size
func TestPoolConcurrency(t *testing.T) {
	pool := NewPool(8, nil)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	release := make(chan struct{})
	var running atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(func() {
			running.Add(1)
			<-release
		}))
	}

	assert.Eventually(t, func() bool { return running.Load() == 4 }, time.Second, 5*time.Millisecond)
	close(release)
}

// ============================================================================
// Error Handling Tests
// ============================================================================

// TestSubmitBeforeStart tests submitting to a pool that is not running
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, nil)
	err := pool.Submit(func() {})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

// TestSubmitAfterStop tests submitting to a stopped pool
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(1, nil)
	require.NoError(t, pool.Start(1))
	pool.Stop()

	err := pool.Submit(func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Stop is idempotent
	pool.Stop()
}

// TestPanicDoesNotKillGoroutine tests that a panicking task is isolated
func TestPanicDoesNotKillGoroutine(t *testing.T) {
	pool := NewPool(2, nil)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(func() { panic("boom") }))

	ran := make(chan struct{})
	require.NoError(t, pool.Submit(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("pool goroutine did not survive a panic")
	}
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestStopWaitsForRunningTasks tests that Stop drains submitted work
func TestStopWaitsForRunningTasks(t *testing.T) {
	pool := NewPool(4, nil)
	require.NoError(t, pool.Start(2))

	var finished atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(func() {
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
		}))
	}

	pool.Stop()
	assert.Equal(t, int32(4), finished.Load())
}

// TestSubmitUnblockedByStop tests that a Submit blocked on a full pool
// returns once the pool stops
func TestSubmitUnblockedByStop(t *testing.T) {
	pool := NewPool(0, nil)
	require.NoError(t, pool.Start(1))

	release := make(chan struct{})
	require.NoError(t, pool.Submit(func() { <-release }))

	blocked := make(chan error, 1)
	go func() { blocked <- pool.Submit(func() {}) }()

	time.Sleep(20 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("submit stayed blocked after stop")
	}

	close(release)
	<-stopped
}
