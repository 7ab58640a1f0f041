package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
	"github.com/si1ence90/SecAgentCore/internal/session"
)

// CodeParseError 表示模型输出无法解析为结构化决策。
const CodeParseError apperrors.Code = "PARSE_ERROR"

func init() {
	apperrors.Register(CodeParseError, apperrors.Attributes{
		Message:  "model output could not be parsed",
		Severity: apperrors.SeverityWarning,
	})
}

// previewLimit 限制解析错误中携带的原文片段长度。
const previewLimit = 200

// ParseError 描述一次解析失败，只携带原文的前 200 个字符。
type ParseError struct {
	Reason  string
	Preview string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("[%s] %s: %q", CodeParseError, e.Reason, e.Preview)
}

func newParseError(reason, raw string) *ParseError {
	return &ParseError{Reason: reason, Preview: preview(raw)}
}

func preview(raw string) string {
	runes := []rune(strings.TrimSpace(raw))
	if len(runes) > previewLimit {
		return string(runes[:previewLimit])
	}
	return string(runes)
}

// Interpreter 把模型的自由文本输出解析为结构化决策。
// 依次尝试四种策略: 整体 JSON、围栏代码块、首个平衡大括号段、
// 逐键容错提取。
type Interpreter struct{}

// Parse 解析模型输出。所有策略都失败时返回 *ParseError。
func (Interpreter) Parse(raw string) (*session.Decision, *ParseError) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, newParseError("模型输出为空", raw)
	}

	for _, candidate := range candidates(trimmed) {
		var payload map[string]any
		if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
			continue
		}
		if decision, ok := decodeDecision(payload); ok {
			return decision, nil
		}
	}

	if decision, ok := extractByKeys(trimmed); ok {
		return decision, nil
	}
	return nil, newParseError("无法从输出中解析决策", raw)
}

// Repair 对明显的格式噪音做一次浅层修复后重新解析:
// 单引号、Python 字面量与拖尾逗号。
func (i Interpreter) Repair(raw string) (*session.Decision, *ParseError) {
	fixed := strings.ReplaceAll(raw, "'", `"`)
	fixed = pythonLiteralPattern.ReplaceAllStringFunc(fixed, func(m string) string {
		switch m {
		case "True":
			return "true"
		case "False":
			return "false"
		default:
			return "null"
		}
	})
	fixed = trailingCommaPattern.ReplaceAllString(fixed, "$1")
	return i.Parse(fixed)
}

var (
	fencedBlockPattern   = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	pythonLiteralPattern = regexp.MustCompile(`\b(?:True|False|None)\b`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	thoughtKeyPattern    = quotedStringOf("thought")
	actionKeyPattern     = quotedStringOf("action")
)

func quotedStringOf(key string) *regexp.Regexp {
	return regexp.MustCompile(`"` + key + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
}

// candidates 生成按优先级排列的 JSON 候选片段。
func candidates(raw string) []string {
	out := []string{raw}
	if m := fencedBlockPattern.FindStringSubmatch(raw); m != nil {
		out = append(out, strings.TrimSpace(m[1]))
	}
	if span := firstBalancedBraces(raw); span != "" {
		out = append(out, span)
	}
	return out
}

// firstBalancedBraces 返回首个大括号配平的片段，忽略字符串内的括号。
func firstBalancedBraces(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return raw[start : i+1]
				}
			}
		}
	}
	return ""
}

// decodeDecision 把解析出的 map 规整为 Decision。
// plan 允许给成字符串，action_input 缺失时补空 map。
func decodeDecision(payload map[string]any) (*session.Decision, bool) {
	decision := &session.Decision{ActionInput: map[string]any{}}

	if thought, ok := payload["thought"].(string); ok {
		decision.Thought = thought
	}
	switch plan := payload["plan"].(type) {
	case string:
		if strings.TrimSpace(plan) != "" {
			decision.Plan = []string{plan}
		}
	case []any:
		for _, item := range plan {
			if s, ok := item.(string); ok {
				decision.Plan = append(decision.Plan, s)
			}
		}
	}
	if action, ok := payload["action"].(string); ok {
		decision.Action = strings.TrimSpace(action)
	}

	input := payload["action_input"]
	if input == nil {
		input = payload["actionInput"]
	}
	if m, ok := input.(map[string]any); ok {
		decision.ActionInput = m
	}

	// 至少要有 thought、plan、action 三者之一，否则视为无关 JSON。
	if decision.Thought == "" && decision.Action == "" && len(decision.Plan) == 0 {
		return nil, false
	}
	return decision, true
}

// extractByKeys 在 JSON 解析全部失败后按键名逐个提取。
func extractByKeys(raw string) (*session.Decision, bool) {
	decision := &session.Decision{ActionInput: map[string]any{}}

	if m := thoughtKeyPattern.FindStringSubmatch(raw); m != nil {
		decision.Thought = unescape(m[1])
	}
	if m := actionKeyPattern.FindStringSubmatch(raw); m != nil {
		decision.Action = strings.TrimSpace(unescape(m[1]))
	}
	if idx := strings.Index(raw, `"action_input"`); idx >= 0 {
		if span := firstBalancedBraces(raw[idx+len(`"action_input"`):]); span != "" {
			var input map[string]any
			if err := json.Unmarshal([]byte(span), &input); err == nil {
				decision.ActionInput = input
			}
		}
	}

	if decision.Thought == "" && decision.Action == "" {
		return nil, false
	}
	return decision, true
}

func unescape(s string) string {
	var decoded string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &decoded); err != nil {
		return s
	}
	return decoded
}
