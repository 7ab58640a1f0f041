package agent

import (
	"regexp"
	"strings"

	"github.com/si1ence90/SecAgentCore/internal/capability"
)

// Correction 记录一次参数或工具名的自动修正，用于审计。
type Correction struct {
	Kind string `json:"kind"`
	From string `json:"from"`
	To   string `json:"to"`
}

// argAliases 把常见的错误参数名映射到工具声明的参数名。
// 同一目标参数的候选按列表顺序取首个命中。
var argAliases = map[string][]string{
	"target_ip":  {"target", "ip", "host", "hostname", "address"},
	"ip_address": {"ip", "address", "target_ip", "target", "ips"},
	"ports":      {"port", "port_range"},
	"pcap_file":  {"file", "path", "filepath", "filename"},
	"content":    {"text", "data", "message"},
}

// repairArgs 针对缺失的必填参数做一轮别名修复。
// 按工具声明的参数顺序处理，每个缺失参数取首个命中的别名；
// 别名值是列表时取第一个元素 (模型常把单个 IP 写成 ips 列表)。
func repairArgs(cap capability.Capability, args map[string]any) (map[string]any, []Correction) {
	repaired := make(map[string]any, len(args))
	for k, v := range args {
		repaired[k] = v
	}

	var corrections []Correction
	for _, param := range cap.Parameters() {
		if !param.Required {
			continue
		}
		if _, ok := repaired[param.Name]; ok {
			continue
		}
		for _, alias := range argAliases[param.Name] {
			value, ok := repaired[alias]
			if !ok {
				continue
			}
			if list, isList := value.([]any); isList {
				if len(list) == 0 {
					continue
				}
				value = list[0]
			}
			repaired[param.Name] = value
			delete(repaired, alias)
			corrections = append(corrections, Correction{Kind: "argument", From: alias, To: param.Name})
			break
		}
	}
	return repaired, corrections
}

var ipLikePattern = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)

// inferCapability 在模型给出未知工具名时按语义猜测目标工具。
// 返回空字符串表示无法推断。
func inferCapability(action string, args map[string]any, available []string) string {
	lowered := strings.ToLower(action)

	var guess string
	switch {
	case strings.Contains(lowered, "ping"):
		guess = "network_ping"
	case strings.Contains(lowered, "scan"), strings.Contains(lowered, "nmap"):
		guess = "port_scan"
	}
	if guess == "" && containsIPArg(args) {
		// 参数里有 IP 但工具名完全对不上时，倾向连通性探测。
		guess = "network_ping"
	}
	for _, name := range available {
		if name == guess {
			return guess
		}
	}
	return ""
}

func containsIPArg(args map[string]any) bool {
	for _, v := range args {
		if s, ok := v.(string); ok && ipLikePattern.MatchString(s) {
			return true
		}
	}
	return false
}
