// Package events defines the messages published on the event bus for
// flow lifecycle notifications.
package events

import (
	"time"
)

type EventType string

// Topic carries all flow lifecycle events.
const Topic = "flowforge.events"

const EventTypeMetadataKey = "event_type"

const (
	FlowTriggeredEvent      EventType = "flow.triggered"
	ExecutionFinishedEvent  EventType = "flow.execution.finished"
	ExecutionFailedEvent    EventType = "flow.execution.failed"
	ExecutionCancelledEvent EventType = "flow.execution.cancelled"
)

// Event is implemented by every message published on the bus.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	FlowID    string         `json:"flow_id"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// FlowTriggered is published when a trigger fires; a worker picks it up
// and runs the flow.
type FlowTriggered struct {
	BaseEvent

	TriggerID   string         `json:"trigger_id,omitempty"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

func (e FlowTriggered) GetType() EventType {
	return FlowTriggeredEvent
}

// ExecutionFinished is published when an execution reaches the success
// terminal status.
type ExecutionFinished struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Duration    time.Duration  `json:"duration"`
}

func (e ExecutionFinished) GetType() EventType {
	return ExecutionFinishedEvent
}

// ExecutionFailed is published when an execution ends in failure or
// error.
type ExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Error       string `json:"error"`
	NodeID      string `json:"node_id,omitempty"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

// ExecutionCancelled is published when an execution is cancelled before
// reaching its end.
type ExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}
