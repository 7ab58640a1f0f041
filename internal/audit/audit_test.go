package audit

import (
	"context"
	"errors"
	"testing"
)

type failingSink struct{ calls int }

func (f *failingSink) Emit(context.Context, Event) error {
	f.calls++
	return errors.New("下游故障")
}

func TestMemorySinkCollectsByType(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	_ = sink.Emit(ctx, NewEvent(EventSessionStart, "s-1", 0, nil))
	_ = sink.Emit(ctx, NewEvent(EventModelRequest, "s-1", 1, nil))
	_ = sink.Emit(ctx, NewEvent(EventModelResponse, "s-1", 1, nil))
	_ = sink.Emit(ctx, NewEvent(EventModelRequest, "s-1", 2, nil))

	if got := len(sink.ByType(EventModelRequest)); got != 2 {
		t.Fatalf("model_request 事件数不符: %d", got)
	}
	if got := len(sink.Events()); got != 4 {
		t.Fatalf("事件总数不符: %d", got)
	}
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	broken := &failingSink{}
	memory := NewMemorySink()
	fanout := NewFanout(broken, nil, memory)

	if err := fanout.Emit(context.Background(), NewEvent(EventError, "s-1", 1, nil)); err != nil {
		t.Fatalf("广播不应向上传播错误: %v", err)
	}
	if broken.calls != 1 {
		t.Fatalf("故障下游也应被调用: %d", broken.calls)
	}
	if len(memory.Events()) != 1 {
		t.Fatal("健康下游应收到事件")
	}
}

func TestNewEventStampsTime(t *testing.T) {
	event := NewEvent(EventHumanInput, "s-2", 3, map[string]any{"input": "yes"})
	if event.OccurredAt.IsZero() {
		t.Fatal("事件应携带时间戳")
	}
	if event.Details["input"] != "yes" {
		t.Fatalf("详情丢失: %v", event.Details)
	}
}
