package audit

import (
	"context"
	"sync"

	"github.com/si1ence90/SecAgentCore/pkg/logger"
)

// LogSink 把审计事件写入审计日志通道。
type LogSink struct{}

var _ Sink = LogSink{}

func (LogSink) Emit(_ context.Context, event Event) error {
	logger.Audit().Info(string(event.Type),
		"session_id", event.SessionID,
		"iteration", event.Iteration,
		"details", event.Details,
		"occurred_at", event.OccurredAt,
	)
	return nil
}

// MemorySink 在内存中累积事件，主要用于测试和调试接口。
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink 创建内存事件收集器。
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events 返回事件副本。
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	return events
}

// ByType 返回指定类型的事件。
func (s *MemorySink) ByType(eventType EventType) []Event {
	var matched []Event
	for _, event := range s.Events() {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// FanoutSink 把事件广播给多个下游。单个下游失败只记日志，
// 不影响其余下游，也不向调用方传播。
type FanoutSink struct {
	sinks []Sink
}

var _ Sink = (*FanoutSink)(nil)

// NewFanout 创建广播器，nil 下游会被忽略。
func NewFanout(sinks ...Sink) *FanoutSink {
	kept := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	return &FanoutSink{sinks: kept}
}

func (f *FanoutSink) Emit(ctx context.Context, event Event) error {
	for _, sink := range f.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			logger.Named("audit").Warn("审计事件投递失败",
				"type", event.Type,
				"session_id", event.SessionID,
				"error", err,
			)
		}
	}
	return nil
}
