package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/si1ence90/SecAgentCore/internal/capability"
	"github.com/si1ence90/SecAgentCore/pkg/logger"
)

// Transport 是一条通知发送通道。
type Transport interface {
	Channel() string
	Send(ctx context.Context, subject, content string) error
}

// Capability 把分析结论推送到邮件、钉钉或 Slack。
// 对外发送消息属于敏感操作。
type Capability struct {
	transports map[string]Transport
	order      []string
}

var _ capability.Capability = (*Capability)(nil)

// New 创建通知工具，nil 通道会被忽略。
func New(transports ...Transport) *Capability {
	c := &Capability{transports: make(map[string]Transport)}
	for _, tr := range transports {
		if tr == nil {
			continue
		}
		name := tr.Channel()
		if _, dup := c.transports[name]; dup {
			continue
		}
		c.transports[name] = tr
		c.order = append(c.order, name)
	}
	return c
}

func (c *Capability) Name() string { return "send_notification" }

func (c *Capability) Description() string {
	return "将分析结论或告警推送到已配置的通知通道 (email/dingtalk/slack)"
}

func (c *Capability) Parameters() []capability.Parameter {
	return []capability.Parameter{
		{Name: "content", Type: "string", Description: "通知正文", Required: true},
		{Name: "subject", Type: "string", Description: "通知标题", Default: "安全分析通知"},
		{Name: "channel", Type: "string", Description: "指定通道, 留空则广播到全部通道"},
	}
}

func (c *Capability) Sensitive() bool { return true }

// DeliveryReport 记录每个通道的发送结果。
type DeliveryReport struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (c *Capability) Execute(ctx context.Context, args map[string]any) (capability.Result, error) {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return capability.Result{Success: false, Error: "content 不能为空"}, nil
	}
	subject, _ := args["subject"].(string)

	targets := c.order
	if channel, _ := args["channel"].(string); strings.TrimSpace(channel) != "" {
		channel = strings.ToLower(strings.TrimSpace(channel))
		if _, ok := c.transports[channel]; !ok {
			return capability.Result{Success: false, Error: fmt.Sprintf("未配置通知通道: %s", channel)}, nil
		}
		targets = []string{channel}
	}
	if len(targets) == 0 {
		return capability.Result{Success: false, Error: "没有可用的通知通道"}, nil
	}

	var (
		reports []DeliveryReport
		errs    []error
	)
	for _, name := range targets {
		err := c.transports[name].Send(ctx, subject, content)
		report := DeliveryReport{Channel: name, Success: err == nil}
		if err != nil {
			report.Error = err.Error()
			errs = append(errs, err)
			logger.Named("notify").Warn("通知发送失败", "channel", name, "error", err)
		}
		reports = append(reports, report)
	}

	if len(errs) == len(targets) {
		return capability.Result{
			Success: false,
			Output:  reports,
			Error:   errors.Join(errs...).Error(),
		}, nil
	}
	return capability.Result{Success: true, Output: reports}, nil
}
