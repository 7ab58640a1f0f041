package pcap

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/si1ence90/SecAgentCore/internal/capability"
	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

const defaultSampleLimit = 100

// AnalysisCapability 解析 libpcap 格式抓包文件并输出流量画像。
type AnalysisCapability struct{}

var _ capability.Capability = (*AnalysisCapability)(nil)

// NewAnalysis 创建抓包分析工具。
func NewAnalysis() *AnalysisCapability {
	return &AnalysisCapability{}
}

func (a *AnalysisCapability) Name() string { return "pcap_analysis" }

func (a *AnalysisCapability) Description() string {
	return "解析 .pcap 抓包文件，统计协议分布与通信对，支持按协议和 IP 过滤"
}

func (a *AnalysisCapability) Parameters() []capability.Parameter {
	return []capability.Parameter{
		{Name: "pcap_file", Type: "string", Description: "抓包文件路径", Required: true},
		{Name: "protocols", Type: "string", Description: "协议过滤, 逗号分隔, 如 tcp,udp"},
		{Name: "src_ip", Type: "string", Description: "按源 IP 过滤"},
		{Name: "dst_ip", Type: "string", Description: "按目的 IP 过滤"},
		{Name: "limit", Type: "integer", Description: "样本包数量上限", Default: defaultSampleLimit},
	}
}

func (a *AnalysisCapability) Sensitive() bool { return false }

// TalkerStat 统计一对通信端点的包量。
type TalkerStat struct {
	SrcIP   string `json:"src_ip"`
	DstIP   string `json:"dst_ip"`
	Packets int    `json:"packets"`
	Bytes   int    `json:"bytes"`
}

// AnalysisReport 是抓包分析的结构化结果。
type AnalysisReport struct {
	File          string         `json:"file"`
	TotalPackets  int            `json:"total_packets"`
	Matched       int            `json:"matched"`
	ProtocolStats map[string]int `json:"protocol_stats"`
	TopTalkers    []TalkerStat   `json:"top_talkers"`
	Samples       []Packet       `json:"samples"`
}

func (a *AnalysisCapability) Execute(ctx context.Context, args map[string]any) (capability.Result, error) {
	path := stringArg(args, "pcap_file")
	if path == "" {
		return capability.Result{Success: false, Error: "pcap_file 不能为空"}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return capability.Result{Success: false, Error: "打开抓包文件失败: " + err.Error()}, nil
	}
	defer file.Close()

	filter := newFilter(args)
	limit := intArg(args, "limit", defaultSampleLimit)
	if limit <= 0 {
		limit = defaultSampleLimit
	}

	report, err := analyze(ctx, file, filter, limit)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeInvalidArgument {
			return capability.Result{Success: false, Error: err.Error()}, nil
		}
		return capability.Result{}, err
	}
	report.File = path
	return capability.Result{Success: true, Output: report}, nil
}

type packetFilter struct {
	protocols map[string]struct{}
	srcIP     string
	dstIP     string
}

func newFilter(args map[string]any) packetFilter {
	filter := packetFilter{
		srcIP: stringArg(args, "src_ip"),
		dstIP: stringArg(args, "dst_ip"),
	}
	if expr := stringArg(args, "protocols"); expr != "" {
		filter.protocols = make(map[string]struct{})
		for _, proto := range strings.Split(expr, ",") {
			proto = strings.ToLower(strings.TrimSpace(proto))
			if proto != "" {
				filter.protocols[proto] = struct{}{}
			}
		}
	}
	return filter
}

func (f packetFilter) match(pkt Packet) bool {
	if f.protocols != nil {
		if _, ok := f.protocols[pkt.Protocol]; !ok {
			return false
		}
	}
	if f.srcIP != "" && pkt.SrcIP != f.srcIP {
		return false
	}
	if f.dstIP != "" && pkt.DstIP != f.dstIP {
		return false
	}
	return true
}

func analyze(ctx context.Context, r io.Reader, filter packetFilter, limit int) (AnalysisReport, error) {
	p, err := newParser(r)
	if err != nil {
		return AnalysisReport{}, err
	}

	report := AnalysisReport{ProtocolStats: make(map[string]int)}
	talkers := make(map[[2]string]*TalkerStat)

	for {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		pkt, err := p.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return AnalysisReport{}, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "抓包文件损坏")
		}
		report.TotalPackets++
		if !filter.match(pkt) {
			continue
		}
		report.Matched++
		report.ProtocolStats[pkt.Protocol]++
		if pkt.SrcIP != "" {
			key := [2]string{pkt.SrcIP, pkt.DstIP}
			stat, ok := talkers[key]
			if !ok {
				stat = &TalkerStat{SrcIP: pkt.SrcIP, DstIP: pkt.DstIP}
				talkers[key] = stat
			}
			stat.Packets++
			stat.Bytes += pkt.Length
		}
		if len(report.Samples) < limit {
			report.Samples = append(report.Samples, pkt)
		}
	}

	report.TopTalkers = make([]TalkerStat, 0, len(talkers))
	for _, stat := range talkers {
		report.TopTalkers = append(report.TopTalkers, *stat)
	}
	sort.Slice(report.TopTalkers, func(i, j int) bool {
		if report.TopTalkers[i].Packets != report.TopTalkers[j].Packets {
			return report.TopTalkers[i].Packets > report.TopTalkers[j].Packets
		}
		return report.TopTalkers[i].SrcIP < report.TopTalkers[j].SrcIP
	})
	if len(report.TopTalkers) > 10 {
		report.TopTalkers = report.TopTalkers[:10]
	}
	return report, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}
