package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func sampleSnippets() []Snippet {
	return []Snippet{
		{
			Title:    "端口扫描方法论",
			Content:  "优先扫描 common 端口, 再按需扩大范围",
			Keywords: []string{"端口", "扫描"},
			Tags:     []string{"network"},
		},
		{
			Title:    "抓包分析要点",
			Content:  "关注异常协议分布与高频通信对",
			Keywords: []string{"抓包", "pcap"},
		},
		{
			Title:    "应急响应流程",
			Content:  "隔离、取证、溯源、恢复",
			Keywords: []string{"应急"},
		},
	}
}

func TestQueryScoresAndOrders(t *testing.T) {
	provider := NewStaticProvider(sampleSnippets(), 3)
	results := provider.Query("对目标进行端口扫描并输出 network 画像")
	if len(results) != 1 {
		t.Fatalf("应命中 1 条: %+v", results)
	}
	if results[0].Title != "端口扫描方法论" {
		t.Fatalf("命中条目不符: %s", results[0].Title)
	}
}

func TestQueryRespectsMaxResults(t *testing.T) {
	provider := NewStaticProvider(sampleSnippets(), 1)
	results := provider.Query("端口扫描和 pcap 抓包分析")
	if len(results) != 1 {
		t.Fatalf("结果数应受上限约束: %d", len(results))
	}
}

func TestQueryBelowThresholdReturnsNothing(t *testing.T) {
	provider := NewStaticProvider(sampleSnippets(), 3)
	if results := provider.Query("完全无关的问题"); len(results) != 0 {
		t.Fatalf("低于阈值不应返回条目: %+v", results)
	}
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.json")
	content := `[{"title":"测试","content":"内容","keywords":["测试"]}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入知识库失败: %v", err)
	}

	provider, err := LoadStaticProvider(path, 3)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if results := provider.Query("执行测试任务"); len(results) != 1 {
		t.Fatalf("加载后的知识库检索失败: %+v", results)
	}
}

func TestLoadStaticProviderRejectsEmptyPath(t *testing.T) {
	if _, err := LoadStaticProvider("", 3); err == nil {
		t.Fatal("空路径应报错")
	}
}
