package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
)

// CompleteJobRequest reports successful processing of a job.
type CompleteJobRequest struct {
	JobKey    int64
	Variables any
}

// FailJobRequest reports a failed attempt. Retries is the new remaining count;
// zero raises an incident on the broker.
type FailJobRequest struct {
	JobKey       int64
	Retries      int
	ErrorMessage string
	RetryBackOff time.Duration
	Variables    any
}

// ThrowErrorRequest raises a business error to be caught by a boundary event.
type ThrowErrorRequest struct {
	JobKey       int64
	ErrorCode    string
	ErrorMessage string
	Variables    any
}

// SetVariablesRequest merges variables into an element instance scope.
type SetVariablesRequest struct {
	ElementInstanceKey int64
	Variables          any
	Local              bool
}

// UpdateJobRetriesRequest sets the remaining retries of a job.
type UpdateJobRetriesRequest struct {
	JobKey  int64
	Retries int
}

// PublishMessageRequest publishes a correlated message.
type PublishMessageRequest struct {
	Name           string
	CorrelationKey string
	TimeToLive     time.Duration
	MessageID      string
	Variables      any
}

// CreateProcessInstanceRequest starts a process instance either by definition
// key or by BPMN process id and version (-1 for the latest).
type CreateProcessInstanceRequest struct {
	ProcessDefinitionKey int64
	BpmnProcessID        string
	Version              int32
	Variables            any
}

// Resource is one workflow definition file to deploy.
type Resource struct {
	Name    string
	Content []byte
}

// EncodeVariables renders v as a JSON object document. nil yields "{}".
// Strings, byte slices and json.RawMessage are taken as already encoded JSON.
func EncodeVariables(v any) (string, error) {
	var raw []byte
	switch doc := v.(type) {
	case nil:
		return "{}", nil
	case string:
		raw = []byte(doc)
	case []byte:
		raw = doc
	case json.RawMessage:
		raw = doc
	default:
		b, err := json.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidVariables, err)
		}
		raw = b
	}

	if len(raw) == 0 {
		return "{}", nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidVariables, err)
	}
	if obj == nil {
		return "{}", nil
	}
	return string(raw), nil
}

// CompleteJob reports job completion.
func (c *Channel) CompleteJob(ctx context.Context, req CompleteJobRequest) error {
	vars, err := EncodeVariables(req.Variables)
	if err != nil {
		return err
	}
	_, err = call(ctx, c, "complete job", func(ctx context.Context) (*pb.CompleteJobResponse, error) {
		return c.gateway.CompleteJob(ctx, &pb.CompleteJobRequest{
			JobKey:    req.JobKey,
			Variables: vars,
		})
	})
	return err
}

// FailJob reports a failed job attempt.
func (c *Channel) FailJob(ctx context.Context, req FailJobRequest) error {
	vars, err := EncodeVariables(req.Variables)
	if err != nil {
		return err
	}
	_, err = call(ctx, c, "fail job", func(ctx context.Context) (*pb.FailJobResponse, error) {
		return c.gateway.FailJob(ctx, &pb.FailJobRequest{
			JobKey:       req.JobKey,
			Retries:      int32(req.Retries),
			ErrorMessage: req.ErrorMessage,
			RetryBackOff: req.RetryBackOff.Milliseconds(),
			Variables:    vars,
		})
	})
	return err
}

// ThrowError raises a BPMN error for a job.
func (c *Channel) ThrowError(ctx context.Context, req ThrowErrorRequest) error {
	vars, err := EncodeVariables(req.Variables)
	if err != nil {
		return err
	}
	_, err = call(ctx, c, "throw error", func(ctx context.Context) (*pb.ThrowErrorResponse, error) {
		return c.gateway.ThrowError(ctx, &pb.ThrowErrorRequest{
			JobKey:       req.JobKey,
			ErrorCode:    req.ErrorCode,
			ErrorMessage: req.ErrorMessage,
			Variables:    vars,
		})
	})
	return err
}

// CancelProcessInstance cancels a running process instance.
func (c *Channel) CancelProcessInstance(ctx context.Context, processInstanceKey int64) error {
	_, err := call(ctx, c, "cancel process instance", func(ctx context.Context) (*pb.CancelProcessInstanceResponse, error) {
		return c.gateway.CancelProcessInstance(ctx, &pb.CancelProcessInstanceRequest{
			ProcessInstanceKey: processInstanceKey,
		})
	})
	return err
}

// SetVariables updates variables of an element instance and returns the command key.
func (c *Channel) SetVariables(ctx context.Context, req SetVariablesRequest) (int64, error) {
	vars, err := EncodeVariables(req.Variables)
	if err != nil {
		return 0, err
	}
	resp, err := call(ctx, c, "set variables", func(ctx context.Context) (*pb.SetVariablesResponse, error) {
		return c.gateway.SetVariables(ctx, &pb.SetVariablesRequest{
			ElementInstanceKey: req.ElementInstanceKey,
			Variables:          vars,
			Local:              req.Local,
		})
	})
	if err != nil {
		return 0, err
	}
	return resp.GetKey(), nil
}

// Topology returns the cluster topology as seen by the gateway.
func (c *Channel) Topology(ctx context.Context) (*pb.TopologyResponse, error) {
	return call(ctx, c, "topology", func(ctx context.Context) (*pb.TopologyResponse, error) {
		return c.gateway.Topology(ctx, &pb.TopologyRequest{})
	})
}

// UpdateJobRetries sets the remaining retries of a job.
func (c *Channel) UpdateJobRetries(ctx context.Context, req UpdateJobRetriesRequest) error {
	_, err := call(ctx, c, "update job retries", func(ctx context.Context) (*pb.UpdateJobRetriesResponse, error) {
		return c.gateway.UpdateJobRetries(ctx, &pb.UpdateJobRetriesRequest{
			JobKey:  req.JobKey,
			Retries: int32(req.Retries),
		})
	})
	return err
}

// PublishMessage publishes a message and returns its key.
func (c *Channel) PublishMessage(ctx context.Context, req PublishMessageRequest) (int64, error) {
	vars, err := EncodeVariables(req.Variables)
	if err != nil {
		return 0, err
	}
	resp, err := call(ctx, c, "publish message", func(ctx context.Context) (*pb.PublishMessageResponse, error) {
		return c.gateway.PublishMessage(ctx, &pb.PublishMessageRequest{
			Name:           req.Name,
			CorrelationKey: req.CorrelationKey,
			TimeToLive:     req.TimeToLive.Milliseconds(),
			MessageId:      req.MessageID,
			Variables:      vars,
		})
	})
	if err != nil {
		return 0, err
	}
	return resp.GetKey(), nil
}

// CreateProcessInstance starts a new process instance.
func (c *Channel) CreateProcessInstance(ctx context.Context, req CreateProcessInstanceRequest) (*pb.CreateProcessInstanceResponse, error) {
	vars, err := EncodeVariables(req.Variables)
	if err != nil {
		return nil, err
	}
	version := req.Version
	if version == 0 && req.ProcessDefinitionKey == 0 {
		version = -1
	}
	return call(ctx, c, "create process instance", func(ctx context.Context) (*pb.CreateProcessInstanceResponse, error) {
		return c.gateway.CreateProcessInstance(ctx, &pb.CreateProcessInstanceRequest{
			ProcessDefinitionKey: req.ProcessDefinitionKey,
			BpmnProcessId:        req.BpmnProcessID,
			Version:              version,
			Variables:            vars,
		})
	})
}

// DeployResource deploys workflow definitions.
func (c *Channel) DeployResource(ctx context.Context, resources ...Resource) (*pb.DeployResourceResponse, error) {
	req := &pb.DeployResourceRequest{}
	for _, r := range resources {
		req.Resources = append(req.Resources, &pb.Resource{Name: r.Name, Content: r.Content})
	}
	return call(ctx, c, "deploy resource", func(ctx context.Context) (*pb.DeployResourceResponse, error) {
		return c.gateway.DeployResource(ctx, req)
	})
}

// ResolveIncident marks an incident resolved.
func (c *Channel) ResolveIncident(ctx context.Context, incidentKey int64) error {
	_, err := call(ctx, c, "resolve incident", func(ctx context.Context) (*pb.ResolveIncidentResponse, error) {
		return c.gateway.ResolveIncident(ctx, &pb.ResolveIncidentRequest{IncidentKey: incidentKey})
	})
	return err
}
