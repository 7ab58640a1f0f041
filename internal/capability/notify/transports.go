package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// EmailTransport 通过 SMTP 发送通知邮件。
type EmailTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

var _ Transport = (*EmailTransport)(nil)

func (t *EmailTransport) Channel() string { return "email" }

func (t *EmailTransport) Send(ctx context.Context, subject, content string) error {
	if t.Host == "" || t.From == "" || len(t.To) == 0 {
		return fmt.Errorf("邮件通道未正确配置")
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", t.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(t.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(content)

	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)
	var auth smtp.Auth
	if t.Username != "" {
		auth = smtp.PlainAuth("", t.Username, t.Password, t.Host)
	}
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, t.From, t.To, []byte(msg.String()))
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// webhookTransport 把通知以 JSON 推送到 webhook 地址。
type webhookTransport struct {
	channel    string
	url        string
	buildBody  func(subject, content string) any
	httpClient *http.Client
}

var _ Transport = (*webhookTransport)(nil)

// NewDingTalk 创建钉钉机器人通道。
func NewDingTalk(url string) Transport {
	return &webhookTransport{
		channel: "dingtalk",
		url:     url,
		buildBody: func(subject, content string) any {
			return map[string]any{
				"msgtype": "text",
				"text":    map[string]string{"content": subject + "\n" + content},
			}
		},
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewSlack 创建 Slack incoming webhook 通道。
func NewSlack(url string) Transport {
	return &webhookTransport{
		channel: "slack",
		url:     url,
		buildBody: func(subject, content string) any {
			return map[string]string{"text": fmt.Sprintf("*%s*\n%s", subject, content)}
		},
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *webhookTransport) Channel() string { return t.channel }

func (t *webhookTransport) Send(ctx context.Context, subject, content string) error {
	if t.url == "" {
		return fmt.Errorf("%s 通道未配置 webhook 地址", t.channel)
	}
	body, err := json.Marshal(t.buildBody(subject, content))
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建通知请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("推送通知失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("通知通道返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
