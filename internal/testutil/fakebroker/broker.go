// Package fakebroker is an in-process gateway used by tests. It implements
// enough of the gateway contract to drive workers end to end over bufconn:
// deployments, instances that walk their service tasks in order, long-poll
// activation, outcomes, incidents and fault injection.
package fakebroker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/zbworker/internal/bpmn"
)

// Address is the target clients use together with DialOptions.
const Address = "passthrough:///bufnet"

const (
	bufSize         = 1 << 20
	defaultLongPoll = 10 * time.Second
	pollTick        = 20 * time.Millisecond
)

type fault struct {
	code  codes.Code
	times int
}

// Broker implements pb.GatewayServer.
type Broker struct {
	pb.UnimplementedGatewayServer

	table *table
	srv   *grpc.Server
	lis   *bufconn.Listener

	mu          sync.Mutex
	calls       map[string]int
	faults      map[string]*fault
	unavailable bool
	hang        bool
	authHeaders []string
}

var _ pb.GatewayServer = (*Broker)(nil)

// New creates a broker that is not yet serving.
func New() *Broker {
	b := &Broker{
		table:  newTable(),
		lis:    bufconn.Listen(bufSize),
		calls:  make(map[string]int),
		faults: make(map[string]*fault),
	}
	b.srv = grpc.NewServer(
		grpc.UnaryInterceptor(b.unaryInterceptor),
		grpc.StreamInterceptor(b.streamInterceptor),
	)
	pb.RegisterGatewayServer(b.srv, b)
	return b
}

// Start serves a new broker for the duration of the test.
func Start(t testing.TB) *Broker {
	t.Helper()
	b := New()
	b.Serve()
	t.Cleanup(b.Stop)
	return b
}

// Serve starts accepting connections in the background.
func (b *Broker) Serve() {
	go b.srv.Serve(b.lis)
}

// Stop closes all connections immediately.
func (b *Broker) Stop() {
	b.srv.Stop()
}

// DialOptions route Address to this broker.
func (b *Broker) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return b.lis.DialContext(ctx)
		}),
	}
}

// ============================================================================
// Fault injection and inspection
// ============================================================================

// FailNext makes the next n calls of method (e.g. "CompleteJob") fail with code.
func (b *Broker) FailNext(method string, code codes.Code, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[method] = &fault{code: code, times: n}
}

// SetUnavailable makes every call fail with Unavailable while on.
func (b *Broker) SetUnavailable(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = on
}

// SetHangActivations makes ActivateJobs ignore its long-poll timeout and
// never close the stream.
func (b *Broker) SetHangActivations(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hang = on
}

// Calls returns how many times method was invoked.
func (b *Broker) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// AuthHeaders returns the authorization headers seen so far.
func (b *Broker) AuthHeaders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.authHeaders...)
}

func (b *Broker) intercept(ctx context.Context, fullMethod string) error {
	method := path.Base(fullMethod)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[method]++
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		b.authHeaders = append(b.authHeaders, md.Get("authorization")...)
	}
	if b.unavailable {
		return status.Error(codes.Unavailable, "broker unavailable")
	}
	if f, ok := b.faults[method]; ok && f.times > 0 {
		f.times--
		return status.Errorf(f.code, "injected %s failure", method)
	}
	return nil
}

func (b *Broker) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := b.intercept(ctx, info.FullMethod); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (b *Broker) streamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := b.intercept(ss.Context(), info.FullMethod); err != nil {
		return err
	}
	return handler(srv, ss)
}

// ============================================================================
// Test-side helpers
// ============================================================================

// DeployModel registers a process whose service tasks have the given types,
// each with retries attempts.
func (b *Broker) DeployModel(processID string, retries int, taskTypes ...string) int64 {
	p := bpmn.Process{ID: processID}
	for i, tt := range taskTypes {
		p.ServiceTasks = append(p.ServiceTasks, bpmn.ServiceTask{
			ID:      processID + "-task-" + string(rune('a'+i)),
			Type:    tt,
			Retries: retries,
		})
	}
	deployments := b.table.deploy([]bpmn.Process{p}, processID+".bpmn")
	return deployments[0].GetProcess().GetProcessDefinitionKey()
}

// CreateInstance starts the latest version of processID.
func (b *Broker) CreateInstance(processID string, vars map[string]interface{}) (int64, error) {
	inst, err := b.table.createInstance(0, processID, -1, vars)
	if err != nil {
		return 0, err
	}
	return inst.Key, nil
}

func (b *Broker) Job(key int64) (Job, bool) { return b.table.job(key) }
func (b *Broker) JobsOf(instanceKey int64) []Job { return b.table.jobsOf(instanceKey) }
func (b *Broker) Instance(key int64) (Instance, bool) { return b.table.instance(key) }
func (b *Broker) Incidents(instanceKey int64) []int64 { return b.table.incidentsOf(instanceKey) }
func (b *Broker) Messages() []Message { return b.table.publishedMessages() }

// ============================================================================
// Gateway service
// ============================================================================

func (b *Broker) hanging() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hang
}

// ActivateJobs long-polls until jobs are available or the request timeout passes.
func (b *Broker) ActivateJobs(req *pb.ActivateJobsRequest, stream pb.Gateway_ActivateJobsServer) error {
	ctx := stream.Context()

	if req.GetType() == "" || req.GetWorker() == "" || req.GetTimeout() < 1 || req.GetMaxJobsToActivate() < 1 {
		return status.Error(codes.InvalidArgument, "type, worker, timeout and maxJobsToActivate are required")
	}
	if b.hanging() {
		<-ctx.Done()
		return status.FromContextError(ctx.Err()).Err()
	}

	longPoll := time.Duration(req.GetRequestTimeout()) * time.Millisecond
	if longPoll <= 0 {
		longPoll = defaultLongPoll
	}
	timeout := time.Duration(req.GetTimeout()) * time.Millisecond

	expired := time.NewTimer(longPoll)
	defer expired.Stop()
	tick := time.NewTicker(pollTick)
	defer tick.Stop()

	for {
		changed := b.table.changedCh()
		jobs := b.table.activate(req.GetType(), req.GetWorker(), int(req.GetMaxJobsToActivate()), timeout, req.GetFetchVariable())
		if len(jobs) > 0 {
			return stream.Send(&pb.ActivateJobsResponse{Jobs: jobs})
		}

		select {
		case <-changed:
		case <-tick.C:
		case <-expired.C:
			return nil
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

func (b *Broker) CompleteJob(_ context.Context, req *pb.CompleteJobRequest) (*pb.CompleteJobResponse, error) {
	vars, err := decodeVariables(req.GetVariables())
	if err != nil {
		return nil, err
	}
	if err := b.table.complete(req.GetJobKey(), vars); err != nil {
		return nil, toStatus(err)
	}
	return &pb.CompleteJobResponse{}, nil
}

func (b *Broker) FailJob(_ context.Context, req *pb.FailJobRequest) (*pb.FailJobResponse, error) {
	backoff := time.Duration(req.GetRetryBackOff()) * time.Millisecond
	if _, err := b.table.fail(req.GetJobKey(), int(req.GetRetries()), req.GetErrorMessage(), backoff); err != nil {
		return nil, toStatus(err)
	}
	return &pb.FailJobResponse{}, nil
}

func (b *Broker) ThrowError(_ context.Context, req *pb.ThrowErrorRequest) (*pb.ThrowErrorResponse, error) {
	if err := b.table.throwError(req.GetJobKey(), req.GetErrorCode(), req.GetErrorMessage()); err != nil {
		return nil, toStatus(err)
	}
	return &pb.ThrowErrorResponse{}, nil
}

func (b *Broker) CancelProcessInstance(_ context.Context, req *pb.CancelProcessInstanceRequest) (*pb.CancelProcessInstanceResponse, error) {
	if err := b.table.cancel(req.GetProcessInstanceKey()); err != nil {
		return nil, toStatus(err)
	}
	return &pb.CancelProcessInstanceResponse{}, nil
}

func (b *Broker) SetVariables(_ context.Context, req *pb.SetVariablesRequest) (*pb.SetVariablesResponse, error) {
	vars, err := decodeVariables(req.GetVariables())
	if err != nil {
		return nil, err
	}
	key, err := b.table.setVariables(req.GetElementInstanceKey(), vars)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.SetVariablesResponse{Key: key}, nil
}

func (b *Broker) UpdateJobRetries(_ context.Context, req *pb.UpdateJobRetriesRequest) (*pb.UpdateJobRetriesResponse, error) {
	if err := b.table.updateRetries(req.GetJobKey(), int(req.GetRetries())); err != nil {
		return nil, toStatus(err)
	}
	return &pb.UpdateJobRetriesResponse{}, nil
}

func (b *Broker) ResolveIncident(_ context.Context, req *pb.ResolveIncidentRequest) (*pb.ResolveIncidentResponse, error) {
	if err := b.table.resolveIncident(req.GetIncidentKey()); err != nil {
		return nil, toStatus(err)
	}
	return &pb.ResolveIncidentResponse{}, nil
}

func (b *Broker) PublishMessage(_ context.Context, req *pb.PublishMessageRequest) (*pb.PublishMessageResponse, error) {
	vars, err := decodeVariables(req.GetVariables())
	if err != nil {
		return nil, err
	}
	key := b.table.publish(Message{Name: req.GetName(), CorrelationKey: req.GetCorrelationKey(), Variables: vars})
	return &pb.PublishMessageResponse{Key: key}, nil
}

func (b *Broker) CreateProcessInstance(_ context.Context, req *pb.CreateProcessInstanceRequest) (*pb.CreateProcessInstanceResponse, error) {
	vars, err := decodeVariables(req.GetVariables())
	if err != nil {
		return nil, err
	}
	inst, err := b.table.createInstance(req.GetProcessDefinitionKey(), req.GetBpmnProcessId(), req.GetVersion(), vars)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.CreateProcessInstanceResponse{
		ProcessDefinitionKey: inst.DefinitionKey,
		BpmnProcessId:        inst.ProcessID,
		Version:              inst.Version,
		ProcessInstanceKey:   inst.Key,
	}, nil
}

func (b *Broker) DeployResource(_ context.Context, req *pb.DeployResourceRequest) (*pb.DeployResourceResponse, error) {
	resp := &pb.DeployResourceResponse{}
	for _, res := range req.GetResources() {
		md, err := bpmn.Extract(res.GetContent())
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s: %v", res.GetName(), err)
		}
		resp.Deployments = append(resp.Deployments, b.table.deploy(md.Processes, res.GetName())...)
	}
	resp.Key = b.table.newKey()
	return resp, nil
}

func (b *Broker) Topology(context.Context, *pb.TopologyRequest) (*pb.TopologyResponse, error) {
	return &pb.TopologyResponse{
		Brokers: []*pb.BrokerInfo{{
			NodeId:  0,
			Host:    "fakebroker",
			Port:    26501,
			Version: "8.3.0",
			Partitions: []*pb.Partition{{
				PartitionId: 1,
				Role:        pb.Partition_LEADER,
				Health:      pb.Partition_HEALTHY,
			}},
		}},
		ClusterSize:       1,
		PartitionsCount:   1,
		ReplicationFactor: 1,
		GatewayVersion:    "8.3.0",
	}, nil
}

func decodeVariables(raw string) (map[string]interface{}, error) {
	vars := make(map[string]interface{})
	if raw == "" {
		return vars, nil
	}
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "variables: %v", err)
	}
	return vars, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrInstanceNotFound),
		errors.Is(err, ErrProcessNotFound), errors.Is(err, ErrIncidentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrJobNotActivated), errors.Is(err, ErrRetriesNotPositive):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
