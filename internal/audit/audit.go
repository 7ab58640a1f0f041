package audit

import (
	"context"
	"time"
)

// EventType 标识审计事件的种类。
type EventType string

const (
	EventSessionStart          EventType = "session_start"
	EventIterationStart        EventType = "iteration_start"
	EventModelRequest          EventType = "model_request"
	EventModelResponse         EventType = "model_response"
	EventStateChange           EventType = "state_change"
	EventCapabilityStart       EventType = "capability_start"
	EventCapabilityResult      EventType = "capability_result"
	EventRepairApplied         EventType = "repair_applied"
	EventConfirmationRequested EventType = "confirmation_requested"
	EventConfirmationBypassed  EventType = "confirmation_bypassed"
	EventHumanInput            EventType = "human_input"
	EventError                 EventType = "error"
	EventSessionComplete       EventType = "session_complete"
)

// Event 是一条审计记录。Details 的内容必须可被 JSON 序列化。
type Event struct {
	Type       EventType      `json:"type"`
	SessionID  string         `json:"session_id"`
	Iteration  int            `json:"iteration"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewEvent 创建一条带时间戳的审计记录。
func NewEvent(eventType EventType, sessionID string, iteration int, details map[string]any) Event {
	return Event{
		Type:       eventType,
		SessionID:  sessionID,
		Iteration:  iteration,
		Details:    details,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink 接收审计事件。实现必须自行保证线程安全；
// Emit 的失败不应阻断推理循环，由调用方决定是否忽略。
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// NopSink 丢弃所有事件。
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) Emit(context.Context, Event) error { return nil }
