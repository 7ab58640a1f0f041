package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/si1ence90/SecAgentCore/internal/agent"
	"github.com/si1ence90/SecAgentCore/internal/auth"
	"github.com/si1ence90/SecAgentCore/internal/capability"
	"github.com/si1ence90/SecAgentCore/internal/llm"
	"github.com/si1ence90/SecAgentCore/internal/session"
	"github.com/si1ence90/SecAgentCore/internal/storage/mysql"
)

// scriptedClient 按顺序回放预设的模型输出，超出后重复最后一条。
type scriptedClient struct {
	responses []string
	calls     int
}

func (c *scriptedClient) ChatCompletion(_ context.Context, _ []llm.Message) (string, llm.Usage, error) {
	c.calls++
	idx := c.calls - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return c.responses[idx], llm.Usage{TotalTokens: 12}, nil
}

type echoCapability struct {
	calls int
}

func (e *echoCapability) Name() string        { return "network_ping" }
func (e *echoCapability) Description() string { return "连通性探测" }
func (e *echoCapability) Sensitive() bool     { return false }
func (e *echoCapability) Parameters() []capability.Parameter {
	return []capability.Parameter{{Name: "target_ip", Type: "string", Required: true}}
}

func (e *echoCapability) Execute(_ context.Context, _ map[string]any) (capability.Result, error) {
	e.calls++
	return capability.Result{Success: true, Output: map[string]any{"alive": true}}, nil
}

const (
	pingDecision  = `{"thought":"先探测","plan":["探测","总结"],"action":"network_ping","action_input":{"target_ip":"10.0.0.8"}}`
	finalDecision = `{"thought":"可以收尾","action":"final_answer","action_input":{"answer":"主机在线"}}`
)

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *echoCapability) {
	t.Helper()
	registry := capability.NewRegistry()
	echo := &echoCapability{}
	registry.MustRegister(echo)
	client := &scriptedClient{responses: []string{pingDecision, finalDecision}}
	orchestrator := agent.New(client, registry, agent.WithMaxIterations(5))
	return NewServer(":0", orchestrator, registry, opts...), echo
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("编码请求体失败: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndRunSession(t *testing.T) {
	server, echo := newTestServer(t)
	handler := server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions", createSessionRequest{Goal: "排查 10.0.0.8", Run: true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("期望 201, 实际 %d: %s", rec.Code, rec.Body.String())
	}

	var result agent.StepResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if result.Status != agent.StepCompleted {
		t.Fatalf("期望会话完成, 实际 %s", result.Status)
	}
	if result.FinalAnswer != "主机在线" {
		t.Fatalf("期望最终结论 '主机在线', 实际 %q", result.FinalAnswer)
	}
	if echo.calls != 1 {
		t.Fatalf("期望工具执行 1 次, 实际 %d", echo.calls)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sessions/"+result.SessionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
	var summary session.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("解析会话摘要失败: %v", err)
	}
	if summary.Status != session.StatusCompleted {
		t.Fatalf("期望摘要状态 completed, 实际 %s", summary.Status)
	}
}

func TestStepWithEmptyBody(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions", createSessionRequest{Goal: "排查主机"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("期望 201, 实际 %d", rec.Code)
	}
	var summary session.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("解析会话摘要失败: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+summary.ID+"/steps", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("空请求体应当允许单步推进, 实际 %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetUnknownSessionReturns404(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/sessions/no-such-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("期望 404, 实际 %d", rec.Code)
	}
}

func TestCreateSessionRejectsEmptyGoal(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/sessions", createSessionRequest{Goal: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("期望 400, 实际 %d", rec.Code)
	}
}

func TestListCapabilities(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/capabilities", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
	var schemas []capability.Schema
	if err := json.Unmarshal(rec.Body.Bytes(), &schemas); err != nil {
		t.Fatalf("解析工具清单失败: %v", err)
	}
	if len(schemas) != 1 || schemas[0].Name != "network_ping" {
		t.Fatalf("期望返回 network_ping, 实际 %+v", schemas)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	archive, err := mysql.NewFileSessionArchive(filepath.Join(t.TempDir(), "sessions.jsonl"))
	if err != nil {
		t.Fatalf("创建归档失败: %v", err)
	}
	st := session.NewState("id-1", "排查主机", 10)
	if err := archive.Save(context.Background(), st); err != nil {
		t.Fatalf("写入归档失败: %v", err)
	}

	server, _ := newTestServer(t, WithArchive(archive))
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/archive?limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
	var records []mysql.SessionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("解析归档列表失败: %v", err)
	}
	if len(records) != 1 || records[0].SessionID != "id-1" {
		t.Fatalf("期望返回 1 条归档, 实际 %+v", records)
	}
}

func TestArchiveUnavailableWithoutBackend(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/archive", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("期望 503, 实际 %d", rec.Code)
	}
}

func TestAuthProtectsAPIRoutes(t *testing.T) {
	svc := auth.NewService(auth.Config{
		Enabled: true,
		Keys:    []auth.KeySeed{{Name: "analyst", Key: "secret-key-1"}},
	})
	server, _ := newTestServer(t, WithAuth(svc))
	handler := server.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/capabilities", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("无密钥请求期望 401, 实际 %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/capabilities", nil)
	req.Header.Set("X-API-Key", "secret-key-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("携带密钥期望 200, 实际 %d", rec.Code)
	}

	// 探活端点不走认证。
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz 期望 200, 实际 %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
}
