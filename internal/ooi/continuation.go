package ooi

import (
	"encoding/json"
	"fmt"
)

// ContinuationVersion is the current schema version of the serialized
// continuation. Bump it on any incompatible change; decoding refuses
// versions it does not know so a worker never resumes state it cannot
// interpret.
const ContinuationVersion = 1

// Continuation is everything needed to resume a batch on any worker: the
// remaining request, the results gathered so far and the retry counter.
// Serialized as tagged JSON, never as in-memory state.
type Continuation struct {
	Version  int              `json:"version"`
	TaskType string           `json:"task_type"`
	Queue    string           `json:"queue,omitempty"`
	Retries  int              `json:"retries"`
	Request  *Request         `json:"request"`
	Results  []map[string]any `json:"results,omitempty"`
}

// NewContinuation wraps a request into a version-1 continuation for the
// given task type.
func NewContinuation(taskType, queue string, req *Request) *Continuation {
	return &Continuation{
		Version:  ContinuationVersion,
		TaskType: taskType,
		Queue:    queue,
		Request:  req,
	}
}

func (c *Continuation) Encode() ([]byte, error) {
	if c.Request == nil {
		return nil, fmt.Errorf("continuation has no request")
	}
	if c.TaskType == "" {
		return nil, fmt.Errorf("continuation has no task type")
	}
	c.Version = ContinuationVersion
	return json.Marshal(c)
}

func DecodeContinuation(b []byte) (*Continuation, error) {
	var c Continuation
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decoding continuation: %w", err)
	}
	if c.Version != ContinuationVersion {
		return nil, fmt.Errorf("unsupported continuation version %d", c.Version)
	}
	if c.Request == nil {
		return nil, fmt.Errorf("continuation has no request")
	}
	return &c, nil
}
