package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/si1ence90/SecAgentCore/sdk/go/secagent"
)

// 这个示例用内置的假服务端演示 SDK 的典型调用顺序：
// 创建并推进会话 → 在需要人工确认时继续执行 → 读取最终结论。
func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(secagent.StepResult{
			SessionID:     "session-demo",
			Status:        "awaiting_human_input",
			AwaitingInput: true,
			Prompt:        "即将执行端口扫描 port_scan, 是否继续?",
		})
	})
	mux.HandleFunc("/api/v1/sessions/session-demo/steps", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(secagent.StepResult{
			SessionID:   "session-demo",
			Status:      "completed",
			FinalAnswer: "10.0.0.8 开放 22/80 端口, 未发现已知恶意指纹",
		})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := secagent.NewClient(server.URL, secagent.WithAPIKey("demo-key"))
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	result, err := client.RunSession(ctx, "排查 10.0.0.8 是否失陷")
	if err != nil {
		panic(err)
	}
	fmt.Printf("会话 %s 状态: %s\n", result.SessionID, result.Status)

	if result.AwaitingInput {
		fmt.Printf("代理请求确认: %s\n", result.Prompt)
		result, err = client.Resume(ctx, result.SessionID, "确认")
		if err != nil {
			panic(err)
		}
	}

	fmt.Printf("最终结论: %s\n", result.FinalAnswer)
}
