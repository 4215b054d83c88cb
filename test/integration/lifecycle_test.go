// ============================================================================
// zbworker 任務生命週期測試
// ============================================================================
//
// Package: test/integration
// 文件: lifecycle_test.go
// 功能: 透過 client 與 fake broker 的端到端測試
//
// 測試目標:
//   1. 完成的任務推進流程實例，activeJobs 歸零
//   2. 連續失敗耗盡重試次數後產生 incident
//   3. 業務錯誤與取消流程的結果正確回報
//
// ============================================================================

package integration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/zbworker/internal/channel"
	"github.com/ChuLiYu/zbworker/internal/testutil/fakebroker"
	"github.com/ChuLiYu/zbworker/internal/worker"
)

func TestEndToEndComplete(t *testing.T) {
	b := fakebroker.Start(t)
	c := newClient(t, b)
	b.DeployModel("order", 3, "reserve", "charge")

	handler := func(ctx context.Context, job *worker.ActiveJob) error {
		return job.Complete(ctx, map[string]interface{}{job.Type + "Done": true})
	}
	reserve, err := c.NewWorker(worker.Config{TaskType: "reserve", LongPoll: 200 * time.Millisecond, Handler: handler})
	require.NoError(t, err)
	charge, err := c.NewWorker(worker.Config{TaskType: "charge", LongPoll: 200 * time.Millisecond, Handler: handler})
	require.NoError(t, err)

	keys := createInstances(t, b, "order", 10)
	require.Eventually(t, func() bool { return allInState(b, keys, fakebroker.InstanceCompleted) }, waitFor, tick)

	// 所有任務結案後容量歸還
	assert.Eventually(t, func() bool { return reserve.ActiveJobs() == 0 && charge.ActiveJobs() == 0 }, waitFor, tick)

	inst, _ := b.Instance(keys[0])
	assert.Equal(t, true, inst.Variables["reserveDone"])
	assert.Equal(t, true, inst.Variables["chargeDone"])
}

func TestEndToEndFailuresRaiseIncident(t *testing.T) {
	b := fakebroker.Start(t)
	c := newClient(t, b)
	b.DeployModel("order", 3, "charge")

	var attempts atomic.Int32
	w, err := c.NewWorker(worker.Config{
		TaskType: "charge",
		LongPoll: 200 * time.Millisecond,
		Handler: func(ctx context.Context, job *worker.ActiveJob) error {
			attempts.Add(1)
			return errors.New("card declined")
		},
	})
	require.NoError(t, err)

	keys := createInstances(t, b, "order", 1)
	require.Eventually(t, func() bool { return instanceState(b, keys[0]) == fakebroker.InstanceIncident }, waitFor, tick)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Len(t, b.Incidents(keys[0]), 1)
	assert.Eventually(t, func() bool { return w.ActiveJobs() == 0 }, waitFor, tick)

	// 更新重試次數並解決 incident 後，任務可重新派發
	jobs := b.JobsOf(keys[0])
	require.Len(t, jobs, 1)
	require.NoError(t, c.UpdateJobRetries(context.Background(), channel.UpdateJobRetriesRequest{JobKey: jobs[0].Key, Retries: 1}))
	require.NoError(t, c.ResolveIncident(context.Background(), b.Incidents(keys[0])[0]))
	assert.Eventually(t, func() bool { return attempts.Load() == 4 }, waitFor, tick)
}

func TestEndToEndBusinessErrorAndCancel(t *testing.T) {
	b := fakebroker.Start(t)
	c := newClient(t, b)
	b.DeployModel("refund", 3, "refund")
	b.DeployModel("audit", 3, "audit")

	_, err := c.NewWorker(worker.Config{
		TaskType: "refund",
		LongPoll: 200 * time.Millisecond,
		Handler: func(ctx context.Context, job *worker.ActiveJob) error {
			return job.Error(ctx, "NO_FUNDS", "account empty")
		},
	})
	require.NoError(t, err)
	_, err = c.NewWorker(worker.Config{
		TaskType:               "audit",
		LongPoll:               200 * time.Millisecond,
		FailProcessOnException: true,
		Handler: func(ctx context.Context, job *worker.ActiveJob) error {
			return errors.New("audit trail missing")
		},
	})
	require.NoError(t, err)

	refunds := createInstances(t, b, "refund", 1)
	audits := createInstances(t, b, "audit", 1)

	require.Eventually(t, func() bool { return instanceState(b, refunds[0]) == fakebroker.InstanceErrored }, waitFor, tick)
	require.Eventually(t, func() bool { return instanceState(b, audits[0]) == fakebroker.InstanceCanceled }, waitFor, tick)
}
