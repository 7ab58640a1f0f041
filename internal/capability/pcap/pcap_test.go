package pcap

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
)

// buildPcap 构造一个最小的 libpcap 文件用于测试。
func buildPcap(order binary.ByteOrder, magic uint32, packets ...[]byte) []byte {
	var buf bytes.Buffer
	header := make([]byte, 24)
	order.PutUint32(header[0:4], magic)
	order.PutUint16(header[4:6], 2)
	order.PutUint16(header[6:8], 4)
	order.PutUint32(header[16:20], 65535)
	order.PutUint32(header[20:24], 1) // Ethernet
	buf.Write(header)

	for i, data := range packets {
		record := make([]byte, 16)
		order.PutUint32(record[0:4], uint32(1700000000+i))
		order.PutUint32(record[4:8], 1000)
		order.PutUint32(record[8:12], uint32(len(data)))
		order.PutUint32(record[12:16], uint32(len(data)))
		buf.Write(record)
		buf.Write(data)
	}
	return buf.Bytes()
}

// buildTCPPacket 构造 Ethernet+IPv4+TCP 帧。
func buildTCPPacket(src, dst string, srcPort, dstPort uint16, proto byte) []byte {
	frame := make([]byte, 14+20+8)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)

	ip := frame[14:]
	ip[0] = 0x45
	ip[9] = proto
	copy(ip[12:16], net.ParseIP(src).To4())
	copy(ip[16:20], net.ParseIP(dst).To4())

	transport := ip[20:]
	binary.BigEndian.PutUint16(transport[0:2], srcPort)
	binary.BigEndian.PutUint16(transport[2:4], dstPort)
	return frame
}

func writePcapFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}
	return path
}

func TestAnalyzeLittleEndianMicros(t *testing.T) {
	content := buildPcap(binary.LittleEndian, magicMicrosBE,
		buildTCPPacket("192.168.1.10", "10.0.0.1", 43210, 443, protoTCP),
		buildTCPPacket("192.168.1.10", "10.0.0.1", 43211, 53, protoUDP),
		buildTCPPacket("10.0.0.1", "192.168.1.10", 0, 0, protoICMP),
	)
	path := writePcapFile(t, content)

	tool := NewAnalysis()
	result, err := tool.Execute(context.Background(), map[string]any{"pcap_file": path})
	if err != nil {
		t.Fatalf("分析失败: %v", err)
	}
	report, ok := result.Output.(AnalysisReport)
	if !ok {
		t.Fatalf("结果类型不符: %T", result.Output)
	}
	if report.TotalPackets != 3 || report.Matched != 3 {
		t.Fatalf("包数量不符: %+v", report)
	}
	if report.ProtocolStats["tcp"] != 1 || report.ProtocolStats["udp"] != 1 || report.ProtocolStats["icmp"] != 1 {
		t.Fatalf("协议统计不符: %v", report.ProtocolStats)
	}
	if report.Samples[0].SrcIP != "192.168.1.10" || report.Samples[0].DstPort != 443 {
		t.Fatalf("TCP 字段解码错误: %+v", report.Samples[0])
	}
}

func TestAnalyzeBigEndianNanos(t *testing.T) {
	content := buildPcap(binary.BigEndian, magicNanosBE,
		buildTCPPacket("172.16.0.2", "172.16.0.3", 1234, 80, protoTCP),
	)
	path := writePcapFile(t, content)

	tool := NewAnalysis()
	result, err := tool.Execute(context.Background(), map[string]any{"pcap_file": path})
	if err != nil {
		t.Fatalf("分析失败: %v", err)
	}
	report := result.Output.(AnalysisReport)
	if report.TotalPackets != 1 {
		t.Fatalf("大端纳秒格式解析失败: %+v", report)
	}
}

func TestAnalyzeFilters(t *testing.T) {
	content := buildPcap(binary.LittleEndian, magicMicrosBE,
		buildTCPPacket("192.168.1.10", "10.0.0.1", 43210, 443, protoTCP),
		buildTCPPacket("192.168.1.99", "10.0.0.1", 43211, 80, protoTCP),
		buildTCPPacket("192.168.1.10", "10.0.0.2", 43212, 53, protoUDP),
	)
	path := writePcapFile(t, content)

	tool := NewAnalysis()
	result, err := tool.Execute(context.Background(), map[string]any{
		"pcap_file": path,
		"protocols": "tcp",
		"src_ip":    "192.168.1.10",
	})
	if err != nil {
		t.Fatalf("分析失败: %v", err)
	}
	report := result.Output.(AnalysisReport)
	if report.TotalPackets != 3 || report.Matched != 1 {
		t.Fatalf("过滤结果不符: total=%d matched=%d", report.TotalPackets, report.Matched)
	}
	if report.Samples[0].DstPort != 443 {
		t.Fatalf("过滤后样本不符: %+v", report.Samples[0])
	}
}

func TestAnalyzeRejectsBadMagic(t *testing.T) {
	path := writePcapFile(t, make([]byte, 24))
	tool := NewAnalysis()
	result, err := tool.Execute(context.Background(), map[string]any{"pcap_file": path})
	if err != nil {
		t.Fatalf("损坏文件应通过 Result 报告: %v", err)
	}
	if result.Success {
		t.Fatal("非法魔数不应成功")
	}
}
