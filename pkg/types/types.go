// Package types defines the domain model shared by the zbworker runtime.
package types

import (
	"encoding/json"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
)

// JobKey is the broker-assigned unique identifier of a job.
type JobKey int64

// Job is an immutable snapshot of one unit of work leased to a worker.
// It is created on activation and must not be mutated by handlers.
type Job struct {
	// Identity
	Key  JobKey `json:"key"`
	Type string `json:"type"`

	// Process identifiers
	ProcessInstanceKey       int64  `json:"processInstanceKey"`
	BpmnProcessID            string `json:"bpmnProcessId"`
	ProcessDefinitionVersion int32  `json:"processDefinitionVersion"`
	ProcessDefinitionKey     int64  `json:"processDefinitionKey"`
	ElementID                string `json:"elementId"`
	ElementInstanceKey       int64  `json:"elementInstanceKey"`

	// Lease
	Worker   string    `json:"worker"`
	Retries  int       `json:"retries"`  // remaining attempts, never negative while active
	Deadline time.Time `json:"deadline"` // broker may reassign the job after this instant

	// Documents
	Variables     map[string]interface{} `json:"variables"`
	CustomHeaders map[string]interface{} `json:"customHeaders"`
}

// FromActivated converts a wire-level activated job into a Job.
// Malformed variable or header documents decode to empty maps, the same way
// a malformed payload is treated elsewhere in the runtime.
func FromActivated(aj *pb.ActivatedJob) Job {
	job := Job{
		Key:                      JobKey(aj.GetKey()),
		Type:                     aj.GetType(),
		ProcessInstanceKey:       aj.GetProcessInstanceKey(),
		BpmnProcessID:            aj.GetBpmnProcessId(),
		ProcessDefinitionVersion: aj.GetProcessDefinitionVersion(),
		ProcessDefinitionKey:     aj.GetProcessDefinitionKey(),
		ElementID:                aj.GetElementId(),
		ElementInstanceKey:       aj.GetElementInstanceKey(),
		Worker:                   aj.GetWorker(),
		Retries:                  int(aj.GetRetries()),
		Deadline:                 time.UnixMilli(aj.GetDeadline()),
		Variables:                decodeDocument(aj.GetVariables()),
		CustomHeaders:            decodeDocument(aj.GetCustomHeaders()),
	}
	if job.Retries < 0 {
		job.Retries = 0
	}
	return job
}

func decodeDocument(raw string) map[string]interface{} {
	doc := make(map[string]interface{})
	if raw == "" {
		return doc
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return make(map[string]interface{})
	}
	return doc
}

// ConnectionEventKind identifies a public connection lifecycle event.
type ConnectionEventKind string

const (
	EventReady           ConnectionEventKind = "ready"           // connection stable for the tolerance window
	EventConnectionError ConnectionEventKind = "connectionError" // failure persisted for the tolerance window
	EventClose           ConnectionEventKind = "close"           // owner closed the connection
)

// ConnectionEvent is delivered to subscribers of a health monitor.
type ConnectionEvent struct {
	Kind ConnectionEventKind
	Err  error // set for EventConnectionError
	At   time.Time
}
