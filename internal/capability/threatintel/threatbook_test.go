package threatintel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestCapability(t *testing.T, baseURL string) *Capability {
	t.Helper()
	cap, err := New(Config{APIKey: "test-key", BaseURL: baseURL})
	if err != nil {
		t.Fatalf("创建工具失败: %v", err)
	}
	return cap
}

func TestExecuteParsesReputation(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("解析表单失败: %v", err)
		}
		form = map[string]string{
			"apikey":   r.PostFormValue("apikey"),
			"resource": r.PostFormValue("resource"),
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response_code": 0,
			"data": map[string]any{
				"1.2.3.4": map[string]any{
					"severity":     "high",
					"judgments":    []string{"Botnet", "Scanner"},
					"is_malicious": true,
					"basic": map[string]any{
						"carrier":  "some-isp",
						"location": map[string]any{"country": "CN"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	cap := newTestCapability(t, srv.URL)
	result, err := cap.Execute(context.Background(), map[string]any{"ip_address": "1.2.3.4"})
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if form["apikey"] != "test-key" || form["resource"] != "1.2.3.4" {
		t.Fatalf("表单参数不符: %v", form)
	}
	rep, ok := result.Output.(Reputation)
	if !ok {
		t.Fatalf("结果类型不符: %T", result.Output)
	}
	if !rep.IsMalicious || rep.Severity != "high" || len(rep.Judgments) != 2 {
		t.Fatalf("信誉解析错误: %+v", rep)
	}
	if rep.Country != "CN" {
		t.Fatalf("归属地解析错误: %+v", rep)
	}
}

func TestExecuteReportsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response_code": -1,
			"verbose_msg":   "invalid api key",
		})
	}))
	defer srv.Close()

	cap := newTestCapability(t, srv.URL)
	result, err := cap.Execute(context.Background(), map[string]any{"ip_address": "1.2.3.4"})
	if err != nil {
		t.Fatalf("业务失败应通过 Result 返回: %v", err)
	}
	if result.Success {
		t.Fatal("上游报错时不应成功")
	}
}

func TestExecuteRejectsBadIP(t *testing.T) {
	cap := newTestCapability(t, "http://127.0.0.1:0")
	result, err := cap.Execute(context.Background(), map[string]any{"ip_address": "not-an-ip"})
	if err != nil {
		t.Fatalf("入参错误应通过 Result 返回: %v", err)
	}
	if result.Success {
		t.Fatal("非法 IP 不应成功")
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("缺少 API Key 时应报错")
	}
}
