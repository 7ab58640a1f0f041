package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// defaultSensitiveKeywords 命中即要求人工确认的关键词。
var defaultSensitiveKeywords = []string{
	"delete", "remove", "drop", "kill", "shutdown", "format",
	"rm -rf", "exploit", "attack", "删除", "格式化", "攻击", "渗透",
}

// approvalKeywords 视为批准的用户输入。
var approvalKeywords = []string{"yes", "y", "是", "确认", "继续", "同意"}

// ConfirmationGate 决定一次工具调用是否需要人工确认。
// 只有开启人机协同时才会拦截; 拦截条件是序列化后的调用文本命中
// 敏感关键词，或工具自身敏感且全局安全模式开启。
type ConfirmationGate struct {
	humanInLoop bool
	safeMode    bool
	keywords    []string
}

// NewConfirmationGate 创建确认闸门，keywords 为空时使用内置列表。
func NewConfirmationGate(humanInLoop, safeMode bool, keywords []string) *ConfirmationGate {
	if len(keywords) == 0 {
		keywords = defaultSensitiveKeywords
	}
	normalized := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			normalized = append(normalized, kw)
		}
	}
	return &ConfirmationGate{
		humanInLoop: humanInLoop,
		safeMode:    safeMode,
		keywords:    normalized,
	}
}

// Requires 判断是否需要确认，并返回提示原因。
// 人机协同关闭时永远返回 false，由调用方负责审计绕过。
func (g *ConfirmationGate) Requires(action string, args map[string]any, capabilitySensitive bool) (bool, string) {
	if !g.humanInLoop {
		return false, ""
	}
	return g.wouldRequire(action, args, capabilitySensitive)
}

// WouldRequire 在不考虑人机协同开关的情况下判断是否属于敏感调用，
// 用于在开关关闭时记录绕过事件。
func (g *ConfirmationGate) WouldRequire(action string, args map[string]any, capabilitySensitive bool) bool {
	required, _ := g.wouldRequire(action, args, capabilitySensitive)
	return required
}

func (g *ConfirmationGate) wouldRequire(action string, args map[string]any, capabilitySensitive bool) (bool, string) {
	serialized := strings.ToLower(serializeCall(action, args))
	for _, kw := range g.keywords {
		if strings.Contains(serialized, kw) {
			return true, fmt.Sprintf("调用内容命中敏感关键词 %q", kw)
		}
	}
	if capabilitySensitive && g.safeMode {
		return true, fmt.Sprintf("工具 %s 为敏感操作且安全模式已开启", action)
	}
	return false, ""
}

// IsApproval 判断用户输入是否表示批准。
func (g *ConfirmationGate) IsApproval(input string) bool {
	input = strings.ToLower(strings.TrimSpace(input))
	for _, kw := range approvalKeywords {
		if input == kw {
			return true
		}
	}
	return false
}

func serializeCall(action string, args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		return action
	}
	return action + " " + string(encoded)
}
