package channel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/zbworker/internal/auth"
	"github.com/ChuLiYu/zbworker/internal/testutil/fakebroker"
)

type recordingObserver struct {
	mu     sync.Mutex
	ready  int
	errors []error
}

func (o *recordingObserver) OnChannelReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready++
}

func (o *recordingObserver) OnChannelError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, err)
}

func (o *recordingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready, len(o.errors)
}

func newTestChannel(t *testing.T, b *fakebroker.Broker, mutate ...func(*Config)) *Channel {
	t.Helper()
	cfg := Config{
		Address:     fakebroker.Address,
		Plaintext:   true,
		CallTimeout: 2 * time.Second,
		StreamGrace: 100 * time.Millisecond,
		DialOptions: b.DialOptions(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(time.Second) })
	return c
}

func collect(t *testing.T, js *JobStream, within time.Duration) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(within)
	for {
		select {
		case ev, ok := <-js.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not terminate within %s", within)
		}
	}
}

// ============================================================================
// Unary calls
// ============================================================================

func TestCompleteJob_ReportsReady(t *testing.T) {
	b := fakebroker.Start(t)
	b.DeployModel("p", 3, "work")
	_, err := b.CreateInstance("p", nil)
	require.NoError(t, err)

	c := newTestChannel(t, b)
	obs := &recordingObserver{}
	c.AddObserver(obs)

	js, err := c.ActivateJobs(context.Background(), ActivateJobsRequest{
		Type: "work", Worker: "w", Timeout: time.Minute, MaxJobsToActivate: 1, RequestTimeout: time.Second,
	})
	require.NoError(t, err)
	events := collect(t, js, 3*time.Second)
	require.Len(t, events, 2)
	require.Equal(t, StreamData, events[0].Kind)

	err = c.CompleteJob(context.Background(), CompleteJobRequest{
		JobKey:    int64(events[0].Jobs[0].Key),
		Variables: map[string]interface{}{"done": true},
	})
	require.NoError(t, err)

	ready, errs := obs.counts()
	assert.GreaterOrEqual(t, ready, 1)
	assert.Zero(t, errs)
}

func TestBusinessErrorPassesThrough(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestChannel(t, b)
	obs := &recordingObserver{}
	c.AddObserver(obs)

	err := c.CompleteJob(context.Background(), CompleteJobRequest{JobKey: 42})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.False(t, IsNetworkError(err))

	_, errs := obs.counts()
	assert.Zero(t, errs, "business errors do not affect health")
}

func TestNetworkErrorReportsChannelError(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestChannel(t, b)
	obs := &recordingObserver{}
	c.AddObserver(obs)

	b.FailNext("Topology", codes.Unavailable, 1)
	_, err := c.Topology(context.Background())
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))

	_, errs := obs.counts()
	assert.GreaterOrEqual(t, errs, 1)

	topo, err := c.Topology(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), topo.GetClusterSize())
	assert.Equal(t, 2, b.Calls("Topology"), "channel never retries on its own")
}

func TestBearerCredentialsAttached(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestChannel(t, b, func(cfg *Config) {
		cfg.Credentials = auth.PerRPCCredentials(auth.StaticToken("secret-token"), false)
	})

	_, err := c.Topology(context.Background())
	require.NoError(t, err)
	assert.Contains(t, b.AuthHeaders(), "Bearer secret-token")
}

func TestManagementCalls(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestChannel(t, b)
	ctx := context.Background()

	resp, err := c.DeployResource(ctx, Resource{Name: "p.bpmn", Content: []byte(`<definitions>
  <process id="billing"><serviceTask id="t"><extensionElements><taskDefinition type="bill"/></extensionElements></serviceTask></process>
</definitions>`)})
	require.NoError(t, err)
	require.Len(t, resp.GetDeployments(), 1)
	assert.Equal(t, "billing", resp.GetDeployments()[0].GetProcess().GetBpmnProcessId())

	inst, err := c.CreateProcessInstance(ctx, CreateProcessInstanceRequest{BpmnProcessID: "billing", Variables: `{"amount":10}`})
	require.NoError(t, err)
	assert.Equal(t, int32(1), inst.GetVersion())

	_, err = c.SetVariables(ctx, SetVariablesRequest{ElementInstanceKey: inst.GetProcessInstanceKey(), Variables: map[string]int{"amount": 12}})
	require.NoError(t, err)
	snapshot, _ := b.Instance(inst.GetProcessInstanceKey())
	assert.EqualValues(t, 12, snapshot.Variables["amount"])

	key, err := c.PublishMessage(ctx, PublishMessageRequest{Name: "paid", CorrelationKey: "o-1", TimeToLive: time.Minute})
	require.NoError(t, err)
	assert.NotZero(t, key)

	require.NoError(t, c.CancelProcessInstance(ctx, inst.GetProcessInstanceKey()))
	err = c.CancelProcessInstance(ctx, inst.GetProcessInstanceKey())
	assert.Equal(t, codes.NotFound, status.Code(err))
}

// ============================================================================
// Activation stream
// ============================================================================

func TestActivateJobs_EmptyLongPollEnds(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestChannel(t, b)

	start := time.Now()
	js, err := c.ActivateJobs(context.Background(), ActivateJobsRequest{
		Type: "nothing", Worker: "w", Timeout: time.Minute, MaxJobsToActivate: 5, RequestTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	events := collect(t, js, 3*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, StreamEnd, events[0].Kind)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestActivateJobs_WatchdogEndsSilentStream(t *testing.T) {
	b := fakebroker.Start(t)
	b.SetHangActivations(true)
	c := newTestChannel(t, b)

	js, err := c.ActivateJobs(context.Background(), ActivateJobsRequest{
		Type: "work", Worker: "w", Timeout: time.Minute, MaxJobsToActivate: 1, RequestTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	events := collect(t, js, 2*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, StreamEnd, events[0].Kind)
}

func TestActivateJobs_ErrorIsTerminal(t *testing.T) {
	b := fakebroker.Start(t)
	b.FailNext("ActivateJobs", codes.Unavailable, 1)
	c := newTestChannel(t, b)
	obs := &recordingObserver{}
	c.AddObserver(obs)

	js, err := c.ActivateJobs(context.Background(), ActivateJobsRequest{
		Type: "work", Worker: "w", Timeout: time.Minute, MaxJobsToActivate: 1, RequestTimeout: time.Second,
	})
	require.NoError(t, err)

	events := collect(t, js, 2*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, StreamError, events[0].Kind)
	assert.True(t, IsNetworkError(events[0].Err))

	_, errs := obs.counts()
	assert.GreaterOrEqual(t, errs, 1)
}

// ============================================================================
// Close
// ============================================================================

func TestClose(t *testing.T) {
	b := fakebroker.Start(t)
	c := newTestChannel(t, b, func(cfg *Config) { cfg.EagerConnection = true })

	require.NoError(t, c.Close(time.Second))
	assert.True(t, c.Closing())
	assert.NoError(t, c.Close(time.Second), "second close is a no-op")

	_, err := c.Topology(context.Background())
	assert.ErrorIs(t, err, ErrChannelClosed)
	_, err = c.ActivateJobs(context.Background(), ActivateJobsRequest{Type: "x"})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestEncodeVariables(t *testing.T) {
	cases := []struct {
		in   any
		want string
		err  bool
	}{
		{nil, "{}", false},
		{"", "{}", false},
		{`{"a":1}`, `{"a":1}`, false},
		{json.RawMessage(`{"b":2}`), `{"b":2}`, false},
		{map[string]int{"c": 3}, `{"c":3}`, false},
		{struct {
			D string `json:"d"`
		}{"x"}, `{"d":"x"}`, false},
		{`[1,2]`, "", true},
		{42, "", true},
	}
	for _, tc := range cases {
		got, err := EncodeVariables(tc.in)
		if tc.err {
			assert.ErrorIs(t, err, ErrInvalidVariables, "input %v", tc.in)
			continue
		}
		require.NoError(t, err)
		assert.JSONEq(t, tc.want, got)
	}
}
