package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/si1ence90/SecAgentCore/internal/audit"
)

func TestMetricsEndpoint(t *testing.T) {
	ObserveHTTPRequest("sessions", http.MethodPost, 201, 30*time.Millisecond)
	ObserveHTTPRequest("sessions", http.MethodPost, 500, 10*time.Millisecond)

	var sink Sink
	_ = sink.Emit(context.Background(), audit.NewEvent(audit.EventSessionComplete, "s-1", 3,
		map[string]any{"status": "completed"}))
	_ = sink.Emit(context.Background(), audit.NewEvent(audit.EventCapabilityResult, "s-1", 1,
		map[string]any{"action": "network_ping", "success": true}))
	_ = sink.Emit(context.Background(), audit.NewEvent(audit.EventRepairApplied, "s-1", 1,
		map[string]any{"kind": "argument"}))
	_ = sink.Emit(context.Background(), audit.NewEvent(audit.EventModelResponse, "s-1", 1,
		map[string]any{"total_tokens": 42}))

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()

	for _, want := range []string{
		`secagent_http_requests_total{handler="sessions",method="POST",code="201"} 1`,
		`secagent_http_request_errors_total{handler="sessions",method="POST"} 1`,
		`secagent_sessions_total{status="completed"} 1`,
		`secagent_capability_invocations_total{action="network_ping",outcome="success"} 1`,
		`secagent_repairs_total{kind="argument"} 1`,
		"secagent_model_tokens_total 42",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("指标输出缺少 %q:\n%s", want, body)
		}
	}
}
