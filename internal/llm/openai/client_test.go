package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
	"github.com/si1ence90/SecAgentCore/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		APIKey:       "test",
		BaseURL:      baseURL,
		Model:        "test-model",
		Timeout:      time.Second,
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return client
}

func chatResponse(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
		"usage": map[string]any{
			"prompt_tokens":     12,
			"completion_tokens": 5,
			"total_tokens":      17,
		},
	}
}

func TestChatCompletionSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse("分析结果"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	content, usage, err := client.ChatCompletion(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "测试"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "分析结果" {
		t.Fatalf("unexpected content: %q", content)
	}
	if usage.TotalTokens != 17 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != "test-model" {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
}

func TestChatCompletionRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse("最终回复"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	content, _, err := client.ChatCompletion(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "你好"},
	})
	if err != nil {
		t.Fatalf("期望重试后成功, 却得到错误: %v", err)
	}
	if content != "最终回复" {
		t.Fatalf("回复内容不符: %s", content)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("期望发起 3 次请求, 实际 %d 次", got)
	}
}

func TestChatCompletionFailsImmediatelyOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, _, err := client.ChatCompletion(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "你好"},
	})
	if err == nil {
		t.Fatal("期望 401 直接失败")
	}
	if apperrors.CodeOf(err) != llm.CodeUpstreamModelError {
		t.Fatalf("错误码不符: %s", apperrors.CodeOf(err))
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("4xx 不应重试, 实际请求 %d 次", got)
	}
}

func TestChatCompletionExhaustsRetryBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, _, err := client.ChatCompletion(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "你好"},
	})
	if err == nil {
		t.Fatal("期望重试耗尽后返回错误")
	}
	if apperrors.CodeOf(err) != llm.CodeUpstreamModelError {
		t.Fatalf("耗尽重试后应返回终态错误码, 实际: %s", apperrors.CodeOf(err))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("期望耗尽 3 次预算, 实际 %d 次", got)
	}
}

func TestChatCompletionRelabelsObservationRole(t *testing.T) {
	var seenRoles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		for _, m := range payload.Messages {
			seenRoles = append(seenRoles, m.Role)
		}
		_ = json.NewEncoder(w).Encode(chatResponse("ok"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, _, err := client.ChatCompletion(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "system"},
		{Role: llm.RoleObservation, Content: "工具结果"},
	})
	if err != nil {
		t.Fatalf("调用失败: %v", err)
	}
	if len(seenRoles) != 2 || seenRoles[1] != llm.RoleUser {
		t.Fatalf("observation 角色应折叠为 user, 实际: %v", seenRoles)
	}
}
