package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
	"github.com/si1ence90/SecAgentCore/internal/llm"
	"github.com/si1ence90/SecAgentCore/pkg/logger"
)

const (
	defaultBaseURL      = "https://api.openai.com/v1"
	defaultModelName    = "gpt-4o-mini"
	defaultTimeout      = 60 * time.Second
	defaultMaxRetries   = 3
	defaultInitialDelay = time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	MaxRetries   int
	InitialDelay time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的 Chat Completions 接口，
// 对瞬时故障按指数退避自动重试。
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	maxRetries   int
	initialDelay time.Duration
	httpClient   *http.Client
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	initialDelay := cfg.InitialDelay
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}

	return &Client{
		apiKey:       apiKey,
		baseURL:      baseURL,
		model:        model,
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// ChatCompletion 调用模型并返回助手回复的原始文本。
// 连接失败、超时、429 与 5xx 视为瞬时故障，按 initialDelay * 2^n 退避重试；
// 其余 4xx 立即失败。
func (c *Client) ChatCompletion(ctx context.Context, messages []llm.Message) (string, llm.Usage, error) {
	payload, err := c.buildPayload(messages)
	if err != nil {
		return "", llm.Usage{}, err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.initialDelay << (attempt - 1)
			logger.Named("llm").Warn("模型调用失败，准备重试",
				"attempt", attempt,
				"delay", delay.String(),
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return "", llm.Usage{}, apperrors.Wrap(llm.CodeUpstreamModelError, ctx.Err(), "模型调用被取消")
			case <-time.After(delay):
			}
		}

		content, usage, err := c.doRequest(ctx, payload)
		if err == nil {
			return content, usage, nil
		}
		if !apperrors.RetryableError(err) {
			return "", llm.Usage{}, err
		}
		lastErr = err
	}

	return "", llm.Usage{}, apperrors.Wrap(llm.CodeUpstreamModelError, lastErr,
		fmt.Sprintf("模型调用在 %d 次尝试后仍然失败", c.maxRetries))
}

func (c *Client) doRequest(ctx context.Context, payload []byte) (string, llm.Usage, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", llm.Usage{}, apperrors.Wrap(llm.CodeUpstreamModelError, err, "构建模型请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", llm.Usage{}, apperrors.Wrap(llm.CodeUpstreamModelError, ctx.Err(), "模型调用被取消")
		}
		// 连接失败与超时都值得重试。
		var netErr net.Error
		if errors.As(err, &netErr) || isConnectionError(err) {
			return "", llm.Usage{}, apperrors.Wrap(llm.CodeUpstreamModelUnavailable, err, "连接模型服务失败")
		}
		return "", llm.Usage{}, apperrors.Wrap(llm.CodeUpstreamModelError, err, "请求模型服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		detail := fmt.Sprintf("模型服务返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return "", llm.Usage{}, apperrors.New(llm.CodeUpstreamModelUnavailable, detail)
		}
		return "", llm.Usage{}, apperrors.New(llm.CodeUpstreamModelError, detail)
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", llm.Usage{}, apperrors.Wrap(llm.CodeUpstreamModelError, err, "解析模型响应失败")
	}
	if len(decoded.Choices) == 0 {
		return "", llm.Usage{}, apperrors.New(llm.CodeUpstreamModelError, "模型响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", llm.Usage{}, apperrors.New(llm.CodeUpstreamModelError, "模型响应内容为空")
	}

	usage := llm.Usage{
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
		TotalTokens:      decoded.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return content, usage, nil
}

func (c *Client) buildPayload(messages []llm.Message) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	converted := make([]message, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		if role == llm.RoleObservation {
			role = llm.RoleUser
		}
		converted = append(converted, message{Role: role, Content: msg.Content})
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    converted,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Wrap(llm.CodeUpstreamModelError, err, "序列化模型请求失败")
	}
	return encoded, nil
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
