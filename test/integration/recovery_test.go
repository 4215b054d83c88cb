// ============================================================================
// zbworker 連線恢復與吞吐測試
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: broker 中斷後 worker 自動恢復；多實例下容量上限不被突破
//
// TestRecoveryAfterOutage:
//   - broker 回傳 UNAVAILABLE，worker 進入 stalled 並發出 connectionError
//   - broker 恢復後 worker 發出 ready 並完成中斷期間建立的實例
//
// TestThroughputRespectsCapacity:
//   - 100 個實例，maxJobsToActivate = 8
//   - 任意時刻進行中的 handler 不超過 8
//   - 所有實例完成，無遺失
//
// ============================================================================

package integration

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/zbworker/internal/testutil/fakebroker"
	"github.com/ChuLiYu/zbworker/internal/worker"
	"github.com/ChuLiYu/zbworker/pkg/types"
)

func TestRecoveryAfterOutage(t *testing.T) {
	b := fakebroker.Start(t)
	c := newClient(t, b)
	b.DeployModel("order", 3, "ship")

	var mu sync.Mutex
	var kinds []types.ConnectionEventKind
	w, err := c.NewWorker(worker.Config{
		TaskType:       "ship",
		LongPoll:       200 * time.Millisecond,
		PollErrorDelay: 20 * time.Millisecond,
		Handler: func(ctx context.Context, job *worker.ActiveJob) error {
			return job.Complete(ctx, nil)
		},
	})
	require.NoError(t, err)
	w.Subscribe(func(ev types.ConnectionEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	saw := func(kind types.ConnectionEventKind) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, k := range kinds {
			if k == kind {
				return true
			}
		}
		return false
	}

	require.Eventually(t, w.Connected, waitFor, tick)
	b.SetUnavailable(true)
	require.Eventually(t, func() bool { return saw(types.EventConnectionError) }, waitFor, tick)
	assert.False(t, w.Connected())

	// 中斷期間建立的實例在恢復後完成
	keys := createInstances(t, b, "order", 5)
	b.SetUnavailable(false)

	require.Eventually(t, w.Connected, waitFor, tick)
	require.Eventually(t, func() bool { return allInState(b, keys, fakebroker.InstanceCompleted) }, waitFor, tick)
	assert.True(t, saw(types.EventReady))
}

func TestThroughputRespectsCapacity(t *testing.T) {
	const (
		instances = 100
		capacity  = 8
	)

	b := fakebroker.Start(t)
	c := newClient(t, b)
	b.DeployModel("order", 3, "pack")

	var inFlight, peak atomic.Int32
	w, err := c.NewWorker(worker.Config{
		TaskType:          "pack",
		MaxJobsToActivate: capacity,
		LongPoll:          200 * time.Millisecond,
		Handler: func(ctx context.Context, job *worker.ActiveJob) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			return job.Complete(ctx, nil)
		},
	})
	require.NoError(t, err)

	start := time.Now()
	keys := createInstances(t, b, "order", instances)
	require.Eventually(t, func() bool { return allInState(b, keys, fakebroker.InstanceCompleted) }, 30*time.Second, 20*time.Millisecond)
	elapsed := time.Since(start)

	t.Logf("completed %d jobs in %s (%.1f jobs/s), peak concurrency %d",
		instances, elapsed, float64(instances)/elapsed.Seconds(), peak.Load())

	assert.LessOrEqual(t, peak.Load(), int32(capacity))
	assert.LessOrEqual(t, w.ActiveJobs(), capacity)
	assert.Eventually(t, func() bool { return w.ActiveJobs() == 0 }, waitFor, tick)
}
