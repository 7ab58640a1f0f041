package network

import (
	"context"
	"net"
	"strconv"
	"testing"
)

func TestParsePortExpr(t *testing.T) {
	cases := []struct {
		expr    string
		want    int
		wantErr bool
	}{
		{"common", len(commonPorts), false},
		{"", len(commonPorts), false},
		{"80,443,8080", 3, false},
		{"80,80,443", 2, false},
		{"1-100", 100, false},
		{"100-1", 0, true},
		{"0-10", 0, true},
		{"abc", 0, true},
		{"80,junk", 0, true},
	}
	for _, tc := range cases {
		ports, err := parsePortExpr(tc.expr)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: 期望解析失败", tc.expr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: 解析失败: %v", tc.expr, err)
			continue
		}
		if len(ports) != tc.want {
			t.Errorf("%q: 期望 %d 个端口, 实际 %d", tc.expr, tc.want, len(ports))
		}
	}
}

func TestParsePortExprCapsRange(t *testing.T) {
	ports, err := parsePortExpr("1-65535")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(ports) != maxScanPorts {
		t.Fatalf("范围应被截断到 %d, 实际 %d", maxScanPorts, len(ports))
	}
}

func TestScanFindsListeningPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	scan := NewScan()
	result, err := scan.Execute(context.Background(), map[string]any{
		"target_ip": "127.0.0.1",
		"ports":     strconv.Itoa(port),
	})
	if err != nil {
		t.Fatalf("扫描失败: %v", err)
	}
	report, ok := result.Output.(ScanReport)
	if !ok {
		t.Fatalf("结果类型不符: %T", result.Output)
	}
	if len(report.OpenPorts) != 1 || report.OpenPorts[0].Port != port {
		t.Fatalf("应发现监听端口 %d, 实际: %+v", port, report.OpenPorts)
	}
}

func TestScanRejectsEmptyTarget(t *testing.T) {
	scan := NewScan()
	result, err := scan.Execute(context.Background(), map[string]any{"ports": "80"})
	if err != nil {
		t.Fatalf("入参错误应通过 Result 返回: %v", err)
	}
	if result.Success {
		t.Fatal("缺少 target_ip 时不应成功")
	}
}
