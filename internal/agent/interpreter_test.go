package agent

import (
	"strings"
	"testing"
)

func TestParseAcceptedShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"纯JSON", `{"thought":"t","plan":["p"],"action":"network_ping","action_input":{"target_ip":"1.2.3.4"}}`},
		{"json围栏", "```json\n{\"thought\":\"t\",\"action\":\"network_ping\",\"action_input\":{\"target_ip\":\"1.2.3.4\"}}\n```"},
		{"无语言围栏", "```\n{\"thought\":\"t\",\"action\":\"network_ping\",\"action_input\":{\"target_ip\":\"1.2.3.4\"}}\n```"},
		{"前后夹杂废话", `先说两句。{"thought":"t","action":"network_ping","action_input":{"target_ip":"1.2.3.4"}} 就这样。`},
		{"驼峰actionInput", `{"thought":"t","action":"network_ping","actionInput":{"target_ip":"1.2.3.4"}}`},
	}

	var it Interpreter
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, perr := it.Parse(tc.raw)
			if perr != nil {
				t.Fatalf("解析失败: %v", perr)
			}
			if decision.Action != "network_ping" {
				t.Fatalf("action 不符: %q", decision.Action)
			}
			if decision.ActionInput["target_ip"] != "1.2.3.4" {
				t.Fatalf("action_input 不符: %v", decision.ActionInput)
			}
		})
	}
}

func TestParsePlanStringBecomesSingleStep(t *testing.T) {
	var it Interpreter
	decision, perr := it.Parse(`{"thought":"t","plan":"只有一步","action":"final_answer"}`)
	if perr != nil {
		t.Fatalf("解析失败: %v", perr)
	}
	if len(decision.Plan) != 1 || decision.Plan[0] != "只有一步" {
		t.Fatalf("字符串 plan 应折叠为单步, 实际 %v", decision.Plan)
	}
}

func TestParseMissingActionInputDefaultsToEmptyMap(t *testing.T) {
	var it Interpreter
	decision, perr := it.Parse(`{"thought":"t","action":"final_answer"}`)
	if perr != nil {
		t.Fatalf("解析失败: %v", perr)
	}
	if decision.ActionInput == nil || len(decision.ActionInput) != 0 {
		t.Fatalf("缺失 action_input 应补空 map, 实际 %v", decision.ActionInput)
	}
}

func TestParseStringsWithBracesInsideValues(t *testing.T) {
	var it Interpreter
	raw := `输出: {"thought":"包含 } 和 { 的思考","action":"final_answer","action_input":{"answer":"a}b"}}`
	decision, perr := it.Parse(raw)
	if perr != nil {
		t.Fatalf("解析失败: %v", perr)
	}
	if decision.ActionInput["answer"] != "a}b" {
		t.Fatalf("字符串内的大括号不应影响配平: %v", decision.ActionInput)
	}
}

func TestParseKeyExtractionFallback(t *testing.T) {
	// 整体 JSON 损坏但关键键仍然完整时逐键提取。
	raw := `{"thought": "先探测", "action": "network_ping", "action_input": {"target_ip": "1.2.3.4"}, "garbage": [}`
	var it Interpreter
	decision, perr := it.Parse(raw)
	if perr != nil {
		t.Fatalf("逐键提取应成功: %v", perr)
	}
	if decision.Action != "network_ping" || decision.ActionInput["target_ip"] != "1.2.3.4" {
		t.Fatalf("提取结果不符: %+v", decision)
	}
}

func TestParseFailureCarriesBoundedPreview(t *testing.T) {
	var it Interpreter
	raw := strings.Repeat("无", 500)
	_, perr := it.Parse(raw)
	if perr == nil {
		t.Fatal("应返回解析错误")
	}
	if got := len([]rune(perr.Preview)); got > 200 {
		t.Fatalf("错误片段应截断到 200 字符, 实际 %d", got)
	}
}

func TestRepairFixesCommonNoise(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"单引号", `{'thought': 't', 'action': 'final_answer', 'action_input': {'answer': 'ok'}}`},
		{"Python字面量", `{"thought": "t", "action": "final_answer", "action_input": {"answer": "ok", "done": True, "extra": None}}`},
		{"拖尾逗号", `{"thought": "t", "action": "final_answer", "action_input": {"answer": "ok",},}`},
	}

	var it Interpreter
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, perr := it.Repair(tc.raw)
			if perr != nil {
				t.Fatalf("修复后仍无法解析: %v", perr)
			}
			if decision.Action != "final_answer" {
				t.Fatalf("action 不符: %q", decision.Action)
			}
			if decision.ActionInput["answer"] != "ok" {
				t.Fatalf("action_input 不符: %v", decision.ActionInput)
			}
		})
	}
}

func TestRepairStillFailsOnFreeText(t *testing.T) {
	var it Interpreter
	if _, perr := it.Repair("这里没有任何结构化内容"); perr == nil {
		t.Fatal("自由文本不应被修复成功")
	}
}
