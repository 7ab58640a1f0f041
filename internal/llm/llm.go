package llm

import (
	"context"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

// 本包注册的错误码。
const (
	CodeUpstreamModelError       apperrors.Code = "UPSTREAM_MODEL_ERROR"
	CodeUpstreamModelUnavailable apperrors.Code = "UPSTREAM_MODEL_UNAVAILABLE"
)

func init() {
	apperrors.Register(CodeUpstreamModelError, apperrors.Attributes{
		Message:   "upstream model request failed",
		Severity:  apperrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	apperrors.Register(CodeUpstreamModelUnavailable, apperrors.Attributes{
		Message:   "upstream model temporarily unavailable",
		Severity:  apperrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// 会话消息角色。observation 角色承载工具执行结果，在发送给模型前会被
// 折叠为 user 消息。
const (
	RoleSystem      = "system"
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleObservation = "observation"
)

// Message 是发送给大模型的一条对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage 记录一次调用消耗的 token 数量。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client 定义了调用大模型的统一接口。实现负责自身的重试策略，
// 返回的错误要么不可重试、要么已经耗尽重试预算。
type Client interface {
	ChatCompletion(ctx context.Context, messages []Message) (string, Usage, error)
}
