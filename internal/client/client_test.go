package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/zbworker/internal/auth"
	"github.com/ChuLiYu/zbworker/internal/channel"
	"github.com/ChuLiYu/zbworker/internal/health"
	"github.com/ChuLiYu/zbworker/internal/testutil/fakebroker"
	"github.com/ChuLiYu/zbworker/internal/worker"
)

const invoiceProcess = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                  xmlns:zeebe="http://camunda.org/schema/zeebe/1.0">
  <bpmn:process id="invoice" isExecutable="true">
    <bpmn:serviceTask id="send">
      <bpmn:extensionElements>
        <zeebe:taskDefinition type="send-invoice" retries="2"/>
      </bpmn:extensionElements>
    </bpmn:serviceTask>
  </bpmn:process>
</bpmn:definitions>`

func newTestClient(t *testing.T, b *fakebroker.Broker, mutate ...func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Address:         fakebroker.Address,
		Plaintext:       true,
		CallTimeout:     2 * time.Second,
		Retry:           true,
		MaxRetries:      5,
		MaxRetryTimeout: 20 * time.Millisecond,
		Profile:         health.Characteristics{Tolerance: 50 * time.Millisecond},
		DialOptions:     b.DialOptions(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(2 * time.Second) })
	return c
}

// ============================================================================
// Gateway calls
// ============================================================================

func TestClient_DeployAndRunInstance(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestClient(t, b)
	ctx := context.Background()

	deployed, err := c.DeployResource(ctx, channel.Resource{Name: "invoice.bpmn", Content: []byte(invoiceProcess)})
	require.NoError(t, err)
	require.Len(t, deployed.GetDeployments(), 1)
	assert.Equal(t, "invoice", deployed.GetDeployments()[0].GetProcess().GetBpmnProcessId())

	inst, err := c.CreateProcessInstance(ctx, channel.CreateProcessInstanceRequest{
		BpmnProcessID: "invoice",
		Variables:     map[string]interface{}{"customer": "acme"},
	})
	require.NoError(t, err)

	_, err = c.PublishMessage(ctx, channel.PublishMessageRequest{Name: "paid", CorrelationKey: "acme", TimeToLive: time.Minute})
	require.NoError(t, err)
	require.Len(t, b.Messages(), 1)

	require.NoError(t, c.CancelProcessInstance(ctx, inst.GetProcessInstanceKey()))
	state, _ := b.Instance(inst.GetProcessInstanceKey())
	assert.Equal(t, fakebroker.InstanceCanceled, state.State)

	topology, err := c.Topology(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, topology.GetBrokers())
}

func TestClient_RetriesNetworkErrors(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestClient(t, b)
	b.FailNext("Topology", codes.Unavailable, 2)

	_, err := c.Topology(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, b.Calls("Topology"))
}

func TestClient_DoesNotRetryBusinessErrors(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestClient(t, b)

	err := c.CancelProcessInstance(context.Background(), 12345)
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, 1, b.Calls("CancelProcessInstance"))
}

func TestClient_RetryDisabled(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestClient(t, b, func(o *Options) { o.Retry = false })
	b.FailNext("Topology", codes.Unavailable, 1)

	_, err := c.Topology(context.Background())
	require.Error(t, err)
	assert.True(t, channel.IsNetworkError(err))
	assert.Equal(t, 1, b.Calls("Topology"))
}

func TestClient_RetriesExhausted(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestClient(t, b, func(o *Options) { o.MaxRetries = 2 })
	b.SetUnavailable(true)

	_, err := c.Topology(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, b.Calls("Topology"))
}

// ============================================================================
// Credentials
// ============================================================================

func TestClient_StaticTokenProvider(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestClient(t, b, func(o *Options) { o.TokenProvider = auth.StaticToken("abc") })

	_, err := c.Topology(context.Background())
	require.NoError(t, err)
	assert.Contains(t, b.AuthHeaders(), "Bearer abc")
}

func TestClient_BasicAuth(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestClient(t, b, func(o *Options) { o.BasicAuth = &auth.BasicAuth{Username: "demo", Password: "demo"} })

	_, err := c.Topology(context.Background())
	require.NoError(t, err)
	assert.Contains(t, b.AuthHeaders(), "Basic ZGVtbzpkZW1v")
}

func TestClient_SharesOneTokenAcrossChannels(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "shared-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer ts.Close()

	b := fakebroker.Start(t)
	c := newTestClient(t, b, func(o *Options) {
		o.OAuth = &auth.OAuthConfig{URL: ts.URL, Audience: "zeebe-api", ClientID: "id", ClientSecret: "secret"}
	})

	for _, taskType := range []string{"a", "b"} {
		_, err := c.NewWorker(worker.Config{
			TaskType: taskType,
			LongPoll: 100 * time.Millisecond,
			Handler:  func(ctx context.Context, job *worker.ActiveJob) error { return nil },
		})
		require.NoError(t, err)
	}
	_, err := c.Topology(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Calls("ActivateJobs") >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), requests.Load())
	for _, h := range b.AuthHeaders() {
		assert.Equal(t, "Bearer shared-token", h)
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Address: "localhost:26500", OAuth: &auth.OAuthConfig{}})
	assert.ErrorIs(t, err, auth.ErrNoCredentials)
}

// ============================================================================
// Workers
// ============================================================================

func TestClient_WorkerCompletesJobs(t *testing.T) {
	b := fakebroker.Start(t)
	b.DeployModel("invoice", 3, "send-invoice")
	key, err := b.CreateInstance("invoice", nil)
	require.NoError(t, err)

	c := newTestClient(t, b)
	w, err := c.NewWorker(worker.Config{
		TaskType: "send-invoice",
		LongPoll: 100 * time.Millisecond,
		Handler: func(ctx context.Context, job *worker.ActiveJob) error {
			return job.Complete(ctx, map[string]interface{}{"sent": true})
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, _ := b.Instance(key)
		return inst.State == fakebroker.InstanceCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close(2*time.Second))
	assert.True(t, w.Closing())

	_, err = c.NewWorker(worker.Config{TaskType: "x", Handler: func(context.Context, *worker.ActiveJob) error { return nil }})
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = c.Topology(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_CompleteForwardedJob(t *testing.T) {
	b := fakebroker.Start(t)
	b.DeployModel("invoice", 3, "send-invoice")
	key, err := b.CreateInstance("invoice", nil)
	require.NoError(t, err)

	c := newTestClient(t, b)
	forwarded := make(chan int64, 1)
	_, err = c.NewWorker(worker.Config{
		TaskType: "send-invoice",
		LongPoll: 100 * time.Millisecond,
		Handler: func(ctx context.Context, job *worker.ActiveJob) error {
			forwarded <- int64(job.Key)
			return job.Forward()
		},
	})
	require.NoError(t, err)

	var jobKey int64
	select {
	case jobKey = <-forwarded:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not activated")
	}

	require.NoError(t, c.CompleteJob(context.Background(), channel.CompleteJobRequest{JobKey: jobKey}))
	inst, _ := b.Instance(key)
	assert.Equal(t, fakebroker.InstanceCompleted, inst.State)
}
