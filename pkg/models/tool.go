package models

import (
	"encoding/json"
	"time"
)

// ToolStatus is the lifecycle state of a tool invocation.
//
// The transition graph is strict:
//
//	proposed ──▶ accepted ──▶ executing ──▶ executed
//	    │                         │    └──▶ failed
//	    └──▶ rejected             └──▶ canceled
//
//	failed, canceled ──▶ accepted   (retry)
//
// executed and rejected are terminal. failed and canceled are terminal
// unless the user retries.
type ToolStatus string

const (
	ToolProposed  ToolStatus = "proposed"
	ToolAccepted  ToolStatus = "accepted"
	ToolExecuting ToolStatus = "executing"
	ToolExecuted  ToolStatus = "executed"
	ToolFailed    ToolStatus = "failed"
	ToolRejected  ToolStatus = "rejected"
	ToolCanceled  ToolStatus = "canceled"
)

// Terminal reports whether no further transitions are possible without a
// retry.
func (s ToolStatus) Terminal() bool {
	switch s {
	case ToolExecuted, ToolFailed, ToolRejected, ToolCanceled:
		return true
	default:
		return false
	}
}

// Retryable reports whether RetryTool may be called in this status.
func (s ToolStatus) Retryable() bool {
	return s == ToolFailed || s == ToolCanceled
}

// Progress reports how far an executing tool has gotten, as streamed by
// the agent. Percent is 0-100; Stage is a free-form label.
type Progress struct {
	Stage   string  `json:"stage,omitempty"`
	Percent float64 `json:"percent,omitempty"`
}

// ToolInvocation is a single agent-proposed action with its own
// lifecycle, owned exclusively by its parent message.
//
// ToolCallID is issued by the agent and is globally stable for the call;
// progress events route by it regardless of which message displays the
// invocation. Status only moves along the ToolStatus transition graph
// and is mutated exclusively by the tool runtime.
type ToolInvocation struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Status     ToolStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Artifacts  []Artifact      `json:"artifacts,omitempty"`
	Progress   *Progress       `json:"progress,omitempty"`
	Error      string          `json:"error,omitempty"`
	RetryCount int             `json:"retry_count,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
}

// Clone returns a deep copy of the invocation.
func (t *ToolInvocation) Clone() *ToolInvocation {
	if t == nil {
		return nil
	}
	clone := *t
	if len(t.Args) > 0 {
		clone.Args = append(json.RawMessage(nil), t.Args...)
	}
	if len(t.Result) > 0 {
		clone.Result = append(json.RawMessage(nil), t.Result...)
	}
	if len(t.Artifacts) > 0 {
		clone.Artifacts = append([]Artifact(nil), t.Artifacts...)
		for i := range clone.Artifacts {
			if len(clone.Artifacts[i].Data) > 0 {
				clone.Artifacts[i].Data = append([]byte(nil), clone.Artifacts[i].Data...)
			}
		}
	}
	if t.Progress != nil {
		p := *t.Progress
		clone.Progress = &p
	}
	return &clone
}

// Artifact is a file or media output produced by a tool execution, for
// example a generated image.
type Artifact struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, file
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}
