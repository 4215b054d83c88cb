// ============================================================================
// Fake broker 任務表 - 任務狀態機實現
// ============================================================================
//
// Package: internal/testutil/fakebroker
// 文件: table.go
// 功能: 在記憶體中模擬 broker 端的流程實例與任務生命週期，僅供測試使用
//
// 任務狀態轉換 (State Machine):
//   Activatable (可啟用)
//      ↓ Activate()
//   Activated (已租出，帶截止時間)
//      ↓ Complete()            → Completed，流程前進到下一個任務
//      ↓ Fail(retries > 0)     → Activatable（可帶 backoff）
//      ↓ Fail(retries == 0)    → Incident（流程實例進入 incident）
//      ↓ ThrowError()          → ErrorThrown
//      ↓ 截止時間到期           → Activatable（租約過期，重新派發）
//   Incident
//      ↓ UpdateRetries() + ResolveIncident() → Activatable
//
// 並發安全:
//   - sync.Mutex 保護所有資料
//   - 每次狀態改變關閉 changed channel 以喚醒 long-poll 的 ActivateJobs
//
// ============================================================================

package fakebroker

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"

	"github.com/ChuLiYu/zbworker/internal/bpmn"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrJobNotActivated    = errors.New("job not activated")
	ErrInstanceNotFound   = errors.New("process instance not found")
	ErrProcessNotFound    = errors.New("process definition not found")
	ErrIncidentNotFound   = errors.New("incident not found")
	ErrRetriesNotPositive = errors.New("job retries must be positive to resolve incident")
)

// JobState 任務狀態
type JobState string

const (
	JobActivatable JobState = "activatable"
	JobActivated   JobState = "activated"
	JobCompleted   JobState = "completed"
	JobIncident    JobState = "incident"
	JobErrorThrown JobState = "error_thrown"
	JobCanceled    JobState = "canceled"
)

// InstanceState 流程實例狀態
type InstanceState string

const (
	InstanceActive    InstanceState = "active"
	InstanceCompleted InstanceState = "completed"
	InstanceIncident  InstanceState = "incident"
	InstanceCanceled  InstanceState = "canceled"
	InstanceErrored   InstanceState = "errored"
)

// Job 任務在 broker 端的完整狀態
type Job struct {
	Key                int64
	Type               string
	InstanceKey        int64
	ElementID          string
	ElementInstanceKey int64
	Retries            int
	State              JobState
	Worker             string
	Deadline           time.Time
	AvailableAt        time.Time
	ErrorMessage       string
	ErrorCode          string
	CustomHeaders      map[string]string
	Activations        int
}

// Instance 流程實例
type Instance struct {
	Key           int64
	DefinitionKey int64
	ProcessID     string
	Version       int32
	Tasks         []bpmn.ServiceTask
	Next          int
	Variables     map[string]interface{}
	State         InstanceState
}

type definition struct {
	key     int64
	process bpmn.Process
	version int32
}

// Message 已發佈的訊息
type Message struct {
	Key            int64
	Name           string
	CorrelationKey string
	Variables      map[string]interface{}
}

// table 任務表，單一真實來源
type table struct {
	mu        sync.Mutex
	nextKey   int64
	jobs      map[int64]*Job
	order     []int64 // 任務建立順序，保證 FIFO 派發
	instances map[int64]*Instance
	defs      map[string][]*definition // process id → versions
	defByKey  map[int64]*definition
	incidents map[int64]int64 // incident key → job key
	messages  []Message
	changed   chan struct{}
}

func newTable() *table {
	return &table{
		nextKey:   2251799813685248,
		jobs:      make(map[int64]*Job),
		instances: make(map[int64]*Instance),
		defs:      make(map[string][]*definition),
		defByKey:  make(map[int64]*definition),
		incidents: make(map[int64]int64),
		changed:   make(chan struct{}),
	}
}

func (t *table) newKey() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key()
}

// key 分配下一個唯一鍵（呼叫者需持有鎖）
func (t *table) key() int64 {
	t.nextKey++
	return t.nextKey
}

// notify 喚醒所有等待中的 long-poll（呼叫者需持有鎖）
func (t *table) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *table) changedCh() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

// ============================================================================
// 部署與流程實例
// ============================================================================

func (t *table) deploy(processes []bpmn.Process, resourceName string) []*pb.Deployment {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*pb.Deployment
	for _, p := range processes {
		def := &definition{key: t.key(), process: p, version: int32(len(t.defs[p.ID]) + 1)}
		t.defs[p.ID] = append(t.defs[p.ID], def)
		t.defByKey[def.key] = def
		out = append(out, &pb.Deployment{
			Metadata: &pb.Deployment_Process{Process: &pb.ProcessMetadata{
				BpmnProcessId:        p.ID,
				Version:              def.version,
				ProcessDefinitionKey: def.key,
				ResourceName:         resourceName,
			}},
		})
	}
	return out
}

func (t *table) createInstance(defKey int64, processID string, version int32, vars map[string]interface{}) (*Instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var def *definition
	switch {
	case defKey != 0:
		def = t.defByKey[defKey]
	case version < 0:
		if versions := t.defs[processID]; len(versions) > 0 {
			def = versions[len(versions)-1]
		}
	default:
		for _, d := range t.defs[processID] {
			if d.version == version {
				def = d
			}
		}
	}
	if def == nil {
		return nil, ErrProcessNotFound
	}

	if vars == nil {
		vars = make(map[string]interface{})
	}
	inst := &Instance{
		Key:           t.key(),
		DefinitionKey: def.key,
		ProcessID:     def.process.ID,
		Version:       def.version,
		Tasks:         def.process.ServiceTasks,
		Variables:     vars,
		State:         InstanceActive,
	}
	t.instances[inst.Key] = inst
	t.advance(inst)
	return inst, nil
}

// advance 建立下一個任務，或在沒有剩餘任務時完成實例（呼叫者需持有鎖）
func (t *table) advance(inst *Instance) {
	if inst.Next >= len(inst.Tasks) {
		inst.State = InstanceCompleted
		t.notify()
		return
	}
	st := inst.Tasks[inst.Next]
	inst.Next++

	job := &Job{
		Key:                t.key(),
		Type:               st.Type,
		InstanceKey:        inst.Key,
		ElementID:          st.ID,
		ElementInstanceKey: t.key(),
		Retries:            st.Retries,
		State:              JobActivatable,
		CustomHeaders:      map[string]string{},
	}
	t.jobs[job.Key] = job
	t.order = append(t.order, job.Key)
	t.notify()
}

// ============================================================================
// 任務生命週期
// ============================================================================

// activate 租出最多 max 個指定類型的可啟用任務
func (t *table) activate(jobType, worker string, max int, timeout time.Duration, fetch []string) []*pb.ActivatedJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var out []*pb.ActivatedJob
	for _, key := range t.order {
		if len(out) >= max {
			break
		}
		job := t.jobs[key]
		if job.Type != jobType {
			continue
		}
		if job.State == JobActivated && now.After(job.Deadline) {
			job.State = JobActivatable // 租約過期
		}
		if job.State != JobActivatable || now.Before(job.AvailableAt) {
			continue
		}

		job.State = JobActivated
		job.Worker = worker
		job.Deadline = now.Add(timeout)
		job.Activations++
		out = append(out, t.toProto(job, fetch))
	}
	return out
}

func (t *table) toProto(job *Job, fetch []string) *pb.ActivatedJob {
	inst := t.instances[job.InstanceKey]
	vars := inst.Variables
	if len(fetch) > 0 {
		vars = make(map[string]interface{})
		for _, name := range fetch {
			if v, ok := inst.Variables[name]; ok {
				vars[name] = v
			}
		}
	}
	varsJSON, _ := json.Marshal(vars)
	headersJSON, _ := json.Marshal(job.CustomHeaders)

	return &pb.ActivatedJob{
		Key:                      job.Key,
		Type:                     job.Type,
		ProcessInstanceKey:       inst.Key,
		BpmnProcessId:            inst.ProcessID,
		ProcessDefinitionVersion: inst.Version,
		ProcessDefinitionKey:     inst.DefinitionKey,
		ElementId:                job.ElementID,
		ElementInstanceKey:       job.ElementInstanceKey,
		CustomHeaders:            string(headersJSON),
		Worker:                   job.Worker,
		Retries:                  int32(job.Retries),
		Deadline:                 job.Deadline.UnixMilli(),
		Variables:                string(varsJSON),
	}
}

func (t *table) activatedJob(key int64) (*Job, error) {
	job, ok := t.jobs[key]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.State != JobActivated {
		return nil, ErrJobNotActivated
	}
	return job, nil
}

func (t *table) complete(key int64, vars map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.activatedJob(key)
	if err != nil {
		return err
	}
	job.State = JobCompleted

	inst := t.instances[job.InstanceKey]
	for k, v := range vars {
		inst.Variables[k] = v
	}
	t.advance(inst)
	return nil
}

// fail 依剩餘重試次數決定重新派發或建立 incident，回傳 incident key（無則為 0）
func (t *table) fail(key int64, retries int, message string, backoff time.Duration) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.activatedJob(key)
	if err != nil {
		return 0, err
	}
	job.Retries = retries
	job.ErrorMessage = message

	if retries > 0 {
		job.State = JobActivatable
		job.AvailableAt = time.Now().Add(backoff)
		t.notify()
		return 0, nil
	}

	job.State = JobIncident
	t.instances[job.InstanceKey].State = InstanceIncident
	incident := t.key()
	t.incidents[incident] = job.Key
	t.notify()
	return incident, nil
}

func (t *table) throwError(key int64, code, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.activatedJob(key)
	if err != nil {
		return err
	}
	job.State = JobErrorThrown
	job.ErrorCode = code
	job.ErrorMessage = message
	t.instances[job.InstanceKey].State = InstanceErrored
	t.notify()
	return nil
}

func (t *table) cancel(instanceKey int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, ok := t.instances[instanceKey]
	if !ok || inst.State == InstanceCompleted || inst.State == InstanceCanceled {
		return ErrInstanceNotFound
	}
	inst.State = InstanceCanceled
	for _, job := range t.jobs {
		if job.InstanceKey == instanceKey && (job.State == JobActivatable || job.State == JobActivated || job.State == JobIncident) {
			job.State = JobCanceled
		}
	}
	t.notify()
	return nil
}

func (t *table) setVariables(elementInstanceKey int64, vars map[string]interface{}) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, ok := t.instances[elementInstanceKey]
	if !ok {
		for _, job := range t.jobs {
			if job.ElementInstanceKey == elementInstanceKey {
				inst = t.instances[job.InstanceKey]
				ok = true
				break
			}
		}
	}
	if !ok {
		return 0, ErrInstanceNotFound
	}
	for k, v := range vars {
		inst.Variables[k] = v
	}
	return t.key(), nil
}

func (t *table) updateRetries(key int64, retries int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[key]
	if !ok {
		return ErrJobNotFound
	}
	job.Retries = retries
	return nil
}

func (t *table) resolveIncident(incidentKey int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	jobKey, ok := t.incidents[incidentKey]
	if !ok {
		return ErrIncidentNotFound
	}
	job := t.jobs[jobKey]
	if job.Retries <= 0 {
		return ErrRetriesNotPositive
	}
	delete(t.incidents, incidentKey)
	job.State = JobActivatable
	job.AvailableAt = time.Time{}
	t.instances[job.InstanceKey].State = InstanceActive
	t.notify()
	return nil
}

func (t *table) publish(msg Message) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg.Key = t.key()
	t.messages = append(t.messages, msg)
	return msg.Key
}

// ============================================================================
// 查詢（測試用）
// ============================================================================

func (t *table) job(key int64) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[key]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (t *table) jobsOf(instanceKey int64) []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Job
	for _, key := range t.order {
		if job := t.jobs[key]; job.InstanceKey == instanceKey {
			out = append(out, *job)
		}
	}
	return out
}

func (t *table) instance(key int64) (Instance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst, ok := t.instances[key]
	if !ok {
		return Instance{}, false
	}
	cp := *inst
	cp.Variables = make(map[string]interface{}, len(inst.Variables))
	for k, v := range inst.Variables {
		cp.Variables[k] = v
	}
	return cp, true
}

func (t *table) incidentsOf(instanceKey int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int64
	for inc, jobKey := range t.incidents {
		if t.jobs[jobKey].InstanceKey == instanceKey {
			out = append(out, inc)
		}
	}
	return out
}

func (t *table) publishedMessages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.messages...)
}
