package network

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/si1ence90/SecAgentCore/internal/capability"
	"github.com/si1ence90/SecAgentCore/pkg/logger"
)

// PingCapability 通过系统 ping 探测主机连通性，ICMP 不可用时
// 退化为对常见端口的 TCP 连接探测。
type PingCapability struct {
	timeout time.Duration
}

var _ capability.Capability = (*PingCapability)(nil)

// NewPing 创建连通性探测工具。
func NewPing() *PingCapability {
	return &PingCapability{timeout: 10 * time.Second}
}

func (p *PingCapability) Name() string { return "network_ping" }

func (p *PingCapability) Description() string {
	return "探测目标主机的网络连通性，返回响应时间与丢包率"
}

func (p *PingCapability) Parameters() []capability.Parameter {
	return []capability.Parameter{
		{Name: "target_ip", Type: "string", Description: "目标 IP 或主机名", Required: true},
		{Name: "count", Type: "integer", Description: "探测次数", Default: 4},
	}
}

func (p *PingCapability) Sensitive() bool { return false }

// PingReport 是连通性探测的结构化结果。
type PingReport struct {
	Target        string  `json:"target"`
	Reachable     bool    `json:"reachable"`
	Method        string  `json:"method"`
	AvgLatencyMS  float64 `json:"avg_latency_ms,omitempty"`
	PacketLossPct float64 `json:"packet_loss_pct"`
	Detail        string  `json:"detail,omitempty"`
}

func (p *PingCapability) Execute(ctx context.Context, args map[string]any) (capability.Result, error) {
	target := stringArg(args, "target_ip")
	if target == "" {
		return capability.Result{Success: false, Error: "target_ip 不能为空"}, nil
	}
	count := intArg(args, "count", 4)
	if count <= 0 || count > 20 {
		count = 4
	}

	report, err := p.systemPing(ctx, target, count)
	if err == nil && report.Reachable {
		return capability.Result{Success: true, Output: report}, nil
	}

	// ICMP 被禁或 ping 不存在时，尝试 TCP 探测常见端口。
	logger.Named("network").Debug("ICMP 探测失败，回退 TCP 探测", "target", target, "error", err)
	tcpReport := p.tcpProbe(ctx, target)
	return capability.Result{Success: true, Output: tcpReport}, nil
}

var (
	latencyPattern = regexp.MustCompile(`(?:=|/)\s*([0-9.]+)/([0-9.]+)/([0-9.]+)`)
	lossPattern    = regexp.MustCompile(`([0-9.]+)%\s*(?:packet )?loss`)
)

func (p *PingCapability) systemPing(ctx context.Context, target string, count int) (PingReport, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	countFlag := "-c"
	if runtime.GOOS == "windows" {
		countFlag = "-n"
	}
	cmd := exec.CommandContext(ctx, "ping", countFlag, strconv.Itoa(count), target)
	output, err := cmd.CombinedOutput()
	text := string(output)

	report := PingReport{Target: target, Method: "icmp", PacketLossPct: 100}
	if m := lossPattern.FindStringSubmatch(text); m != nil {
		if loss, parseErr := strconv.ParseFloat(m[1], 64); parseErr == nil {
			report.PacketLossPct = loss
		}
	}
	if m := latencyPattern.FindStringSubmatch(text); m != nil {
		if avg, parseErr := strconv.ParseFloat(m[2], 64); parseErr == nil {
			report.AvgLatencyMS = avg
		}
	}
	if err != nil {
		return report, fmt.Errorf("ping 执行失败: %w", err)
	}
	report.Reachable = report.PacketLossPct < 100
	return report, nil
}

// tcpProbeFallbackPorts 是 TCP 回退探测的端口集合。
var tcpProbeFallbackPorts = []int{80, 443, 22, 3389}

func (p *PingCapability) tcpProbe(ctx context.Context, target string) PingReport {
	report := PingReport{Target: target, Method: "tcp", PacketLossPct: 100}
	dialer := &net.Dialer{Timeout: 2 * time.Second}
	for _, port := range tcpProbeFallbackPorts {
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(target, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		conn.Close()
		report.Reachable = true
		report.PacketLossPct = 0
		report.AvgLatencyMS = float64(time.Since(start).Microseconds()) / 1000
		report.Detail = fmt.Sprintf("TCP %d 端口可达", port)
		return report
	}
	report.Detail = "ICMP 与常见端口 TCP 探测均未响应"
	return report
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
	return ""
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}
