// Package relayprotocol defines the wire messages exchanged between workflow
// runners, the broadcast hub, and dashboard clients. Messages flow over
// WebSocket connections or the HTTP event ingress.
package relayprotocol

import "encoding/json"

// Envelope wraps all messages with a type discriminator.
// When marshaling, Data can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the data payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and data payload
func MarshalEnvelope(msgType string, data interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Data: data})
}

// Event is the payload carried by status, log, trigger and error messages.
// AdwID identifies the workflow run that produced the event; it is the sole
// join key between events and dashboard tasks.
type Event struct {
	AdwID           string `json:"adw_id"`
	WorkflowName    string `json:"workflow_name,omitempty"`
	Status          string `json:"status,omitempty"`
	Message         string `json:"message,omitempty"`
	Level           string `json:"level,omitempty"`
	ProgressPercent *int   `json:"progress_percent,omitempty"`
	CurrentStep     string `json:"current_step,omitempty"`
	// Stage is an explicit stage-transition target. Producers that predate
	// this field embed a "Stage: X" marker in CurrentStep instead.
	Stage     string `json:"stage,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// TriggerRequest asks a runner to start a workflow for a task.
// The client assigns AdwID before sending so that early events are
// resolvable the moment they arrive.
type TriggerRequest struct {
	AdwID        string `json:"adw_id"`
	TaskID       string `json:"task_id"`
	WorkflowName string `json:"workflow_name"`
}

// Message type constants
const (
	TypeStatusUpdate    = "status_update"
	TypeWorkflowLog     = "workflow_log"
	TypeTriggerResponse = "trigger_response"
	TypeTriggerWorkflow = "trigger_workflow"
	TypeError           = "error"
	TypePing            = "ping"
	TypePong            = "pong"
)

// Workflow status values carried in Event.Status
const (
	StatusStarted    = "started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Log levels carried in Event.Level
const (
	LevelInfo    = "INFO"
	LevelWarn    = "WARN"
	LevelError   = "ERROR"
	LevelSuccess = "SUCCESS"
)

// KnownType reports whether msgType is a recognized envelope type.
func KnownType(msgType string) bool {
	switch msgType {
	case TypeStatusUpdate, TypeWorkflowLog, TypeTriggerResponse,
		TypeTriggerWorkflow, TypeError, TypePing, TypePong:
		return true
	}
	return false
}
