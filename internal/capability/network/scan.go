package network

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/si1ence90/SecAgentCore/internal/capability"
	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

const (
	maxScanPorts    = 10000
	scanConcurrency = 200
)

// commonPorts 是 "common" 模式下扫描的端口集合。
var commonPorts = []int{
	21, 22, 23, 25, 53, 80, 110, 111, 135, 139, 143, 443, 445,
	993, 995, 1433, 1521, 3306, 3389, 5432, 5900, 6379, 8080, 8443, 9200, 27017,
}

// serviceNames 把常见端口映射到服务名，仅用于结果标注。
var serviceNames = map[int]string{
	21: "ftp", 22: "ssh", 23: "telnet", 25: "smtp", 53: "dns",
	80: "http", 110: "pop3", 135: "msrpc", 139: "netbios", 143: "imap",
	443: "https", 445: "smb", 993: "imaps", 995: "pop3s",
	1433: "mssql", 1521: "oracle", 3306: "mysql", 3389: "rdp",
	5432: "postgresql", 5900: "vnc", 6379: "redis",
	8080: "http-proxy", 8443: "https-alt", 9200: "elasticsearch", 27017: "mongodb",
}

// ScanCapability 对目标主机做 TCP connect 端口扫描。
// 属于敏感操作，安全模式下需要人工确认。
type ScanCapability struct {
	dialTimeout time.Duration
	concurrency int
}

var _ capability.Capability = (*ScanCapability)(nil)

// NewScan 创建端口扫描工具。
func NewScan() *ScanCapability {
	return &ScanCapability{
		dialTimeout: 2 * time.Second,
		concurrency: scanConcurrency,
	}
}

func (s *ScanCapability) Name() string { return "port_scan" }

func (s *ScanCapability) Description() string {
	return "扫描目标主机的 TCP 端口并标注已知服务，支持 common、端口列表与范围写法"
}

func (s *ScanCapability) Parameters() []capability.Parameter {
	return []capability.Parameter{
		{Name: "target_ip", Type: "string", Description: "目标 IP 地址", Required: true},
		{Name: "ports", Type: "string", Description: `端口表达式: "common"、"80,443" 或 "1-1000"`, Default: "common"},
	}
}

func (s *ScanCapability) Sensitive() bool { return true }

// OpenPort 描述一个开放端口。
type OpenPort struct {
	Port    int    `json:"port"`
	Service string `json:"service"`
}

// ScanReport 是端口扫描的结构化结果。
type ScanReport struct {
	Target     string     `json:"target"`
	Scanned    int        `json:"scanned"`
	OpenPorts  []OpenPort `json:"open_ports"`
	DurationMS int64      `json:"duration_ms"`
}

func (s *ScanCapability) Execute(ctx context.Context, args map[string]any) (capability.Result, error) {
	target := stringArg(args, "target_ip")
	if target == "" {
		return capability.Result{Success: false, Error: "target_ip 不能为空"}, nil
	}
	ports, err := parsePortExpr(stringArg(args, "ports"))
	if err != nil {
		return capability.Result{Success: false, Error: err.Error()}, nil
	}

	start := time.Now()
	open := s.scan(ctx, target, ports)
	report := ScanReport{
		Target:     target,
		Scanned:    len(ports),
		OpenPorts:  open,
		DurationMS: time.Since(start).Milliseconds(),
	}
	return capability.Result{Success: true, Output: report}, nil
}

// scan 以有界并发对端口做 TCP connect 探测。
func (s *ScanCapability) scan(ctx context.Context, target string, ports []int) []OpenPort {
	sem := make(chan struct{}, s.concurrency)
	var (
		mu   sync.Mutex
		open []OpenPort
		wg   sync.WaitGroup
	)
	dialer := &net.Dialer{Timeout: s.dialTimeout}

	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(port int) {
			defer wg.Done()
			defer func() { <-sem }()
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(target, strconv.Itoa(port)))
			if err != nil {
				return
			}
			conn.Close()
			service := serviceNames[port]
			if service == "" {
				service = "unknown"
			}
			mu.Lock()
			open = append(open, OpenPort{Port: port, Service: service})
			mu.Unlock()
		}(port)
	}
	wg.Wait()

	sort.Slice(open, func(i, j int) bool { return open[i].Port < open[j].Port })
	return open
}

// parsePortExpr 解析端口表达式，上限 maxScanPorts 个端口。
func parsePortExpr(expr string) ([]int, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || strings.EqualFold(expr, "common") {
		ports := make([]int, len(commonPorts))
		copy(ports, commonPorts)
		return ports, nil
	}

	if strings.Contains(expr, "-") && !strings.Contains(expr, ",") {
		parts := strings.SplitN(expr, "-", 2)
		lo, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil || lo < 1 || hi > 65535 || lo > hi {
			return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "非法端口范围: %s", expr)
		}
		if hi-lo+1 > maxScanPorts {
			hi = lo + maxScanPorts - 1
		}
		ports := make([]int, 0, hi-lo+1)
		for p := lo; p <= hi; p++ {
			ports = append(ports, p)
		}
		return ports, nil
	}

	seen := make(map[int]struct{})
	var ports []int
	for _, field := range strings.Split(expr, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		port, err := strconv.Atoi(field)
		if err != nil || port < 1 || port > 65535 {
			return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "非法端口: %s", field)
		}
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		ports = append(ports, port)
		if len(ports) >= maxScanPorts {
			break
		}
	}
	if len(ports) == 0 {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "端口表达式为空: %s", expr)
	}
	return ports, nil
}
