// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// TaskMetadata carries the routing and audit fields of an execution task.
type TaskMetadata struct {
	// UserID is the owner of the occurrence.
	UserID string `json:"userId"`
	// TargetUTC is the instant the delivery was due.
	TargetUTC time.Time `json:"targetTimestampUTC"`
	// LateExecution is set when the occurrence was claimed materially after
	// its due instant, typically following downtime.
	LateExecution bool `json:"lateExecution"`
	// RetryCount is the retry counter at claim time.
	RetryCount int `json:"retryCount"`
}

// ExecutionTask is the self-describing message the scheduler publishes to
// the execution queue and the executor consumes. The executor re-reads the
// occurrence row before acting, so a stale or duplicated task is harmless.
type ExecutionTask struct {
	// OccurrenceID identifies the claimed occurrence.
	OccurrenceID string `json:"occurrenceId"`
	// EventType routes the task, mirroring the occurrence.
	EventType string `json:"eventType"`
	// IdempotencyKey is forwarded verbatim to the delivery sink.
	IdempotencyKey string `json:"idempotencyKey"`
	// Metadata carries routing and audit fields.
	Metadata TaskMetadata `json:"metadata"`
	// DeliveryPayload is the opaque body produced by the policy.
	DeliveryPayload map[string]any `json:"deliveryPayload,omitempty"`
}

// NewExecutionTask builds the task envelope for a claimed occurrence.
func NewExecutionTask(occ *Occurrence, late bool) ExecutionTask {
	return ExecutionTask{
		OccurrenceID:   occ.ID,
		EventType:      occ.EventType,
		IdempotencyKey: occ.IdempotencyKey,
		Metadata: TaskMetadata{
			UserID:        occ.UserID,
			TargetUTC:     occ.TargetUTC.UTC(),
			LateExecution: late,
			RetryCount:    occ.RetryCount,
		},
		DeliveryPayload: occ.Payload,
	}
}

// CheckAndSetDefaults validates the task envelope.
func (t *ExecutionTask) CheckAndSetDefaults() error {
	if t.OccurrenceID == "" {
		return trace.BadParameter("execution task: missing OccurrenceID")
	}
	if t.EventType == "" {
		return trace.BadParameter("execution task %v: missing EventType", t.OccurrenceID)
	}
	if t.IdempotencyKey == "" {
		return trace.BadParameter("execution task %v: missing IdempotencyKey", t.OccurrenceID)
	}
	if t.Metadata.UserID == "" {
		return trace.BadParameter("execution task %v: missing Metadata.UserID", t.OccurrenceID)
	}
	return nil
}

// ToMessage encodes the task for queue transport.
func (t ExecutionTask) ToMessage() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// TaskFromMessage decodes and validates a task received from the queue.
func TaskFromMessage(data []byte) (ExecutionTask, error) {
	var task ExecutionTask
	if err := json.Unmarshal(data, &task); err != nil {
		return ExecutionTask{}, trace.BadParameter("malformed execution task: %v", err)
	}
	if err := task.CheckAndSetDefaults(); err != nil {
		return ExecutionTask{}, trace.Wrap(err)
	}
	return task, nil
}
