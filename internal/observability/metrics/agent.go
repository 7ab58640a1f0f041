package metrics

import (
	"context"
	"strings"

	"github.com/si1ence90/SecAgentCore/internal/audit"
)

var (
	sessionsTotal = newCounterVec("secagent_sessions_total",
		"Total number of sessions that reached a terminal state.", "status")
	capabilityInvocations = newCounterVec("secagent_capability_invocations_total",
		"Total number of capability invocations by outcome.", "action", "outcome")
	repairsTotal = newCounterVec("secagent_repairs_total",
		"Total number of automatic repairs applied to model output.", "kind")
	modelTokens = newCounterVec("secagent_model_tokens_total",
		"Total number of tokens reported by the upstream model.")
)

// Sink 把审计事件流折算为指标。实现 audit.Sink，
// 挂在审计扇出后面即可，无需推理链路感知指标的存在。
type Sink struct{}

var _ audit.Sink = Sink{}

// Emit 实现 audit.Sink，永不返回错误。
func (Sink) Emit(_ context.Context, event audit.Event) error {
	switch event.Type {
	case audit.EventSessionComplete:
		status, _ := event.Details["status"].(string)
		if status == "" {
			status = "unknown"
		}
		sessionsTotal.add(1, status)
	case audit.EventCapabilityResult:
		action, _ := event.Details["action"].(string)
		outcome := "failure"
		if success, _ := event.Details["success"].(bool); success {
			outcome = "success"
		}
		capabilityInvocations.add(1, action, outcome)
	case audit.EventRepairApplied:
		kind, _ := event.Details["kind"].(string)
		if kind == "" {
			kind = "unknown"
		}
		repairsTotal.add(1, kind)
	case audit.EventModelResponse:
		switch total := event.Details["total_tokens"].(type) {
		case int:
			modelTokens.add(uint64(total))
		case float64:
			modelTokens.add(uint64(total))
		}
	}
	return nil
}

func renderAgentMetrics(b *strings.Builder) {
	sessionsTotal.render(b)
	capabilityInvocations.render(b)
	repairsTotal.render(b)
	modelTokens.render(b)
}
