package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/si1ence90/SecAgentCore/sdk/go/secagent"
)

// main 是交互式命令行前端：提交排查目标，打印代理的计划与观察，
// 在代理暂停等待确认时把终端输入转发回去。
func main() {
	addr := flag.String("addr", envOr("SECAGENT_ADDR", "http://127.0.0.1:8080"), "secagentd 服务地址")
	apiKey := flag.String("api-key", os.Getenv("SECAGENT_API_KEY"), "API Key, 服务未启用认证时可留空")
	goal := flag.String("goal", "", "排查目标, 留空时进入交互输入")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []secagent.ClientOption
	if *apiKey != "" {
		opts = append(opts, secagent.WithAPIKey(*apiKey))
	}
	client, err := secagent.NewClient(*addr, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化客户端失败: %v\n", err)
		os.Exit(1)
	}

	stdin := bufio.NewScanner(os.Stdin)
	target := strings.TrimSpace(*goal)
	if target == "" {
		fmt.Print("请输入排查目标: ")
		if !stdin.Scan() {
			return
		}
		target = strings.TrimSpace(stdin.Text())
	}
	if target == "" {
		fmt.Fprintln(os.Stderr, "排查目标不能为空")
		os.Exit(1)
	}

	if err := runSession(ctx, client, stdin, target); err != nil {
		fmt.Fprintf(os.Stderr, "会话失败: %v\n", err)
		os.Exit(1)
	}
}

func runSession(ctx context.Context, client *secagent.Client, stdin *bufio.Scanner, goal string) error {
	result, err := client.RunSession(ctx, goal)
	if err != nil {
		return err
	}
	fmt.Printf("会话已创建: %s\n", result.SessionID)
	printProgress(result)

	for result.AwaitingInput {
		fmt.Print("> ")
		if !stdin.Scan() {
			return ctx.Err()
		}
		input := strings.TrimSpace(stdin.Text())
		result, err = client.Resume(ctx, result.SessionID, input)
		if err != nil {
			return err
		}
		printProgress(result)
	}

	switch result.Status {
	case "completed":
		fmt.Printf("\n最终结论:\n%s\n", result.FinalAnswer)
	case "error":
		fmt.Printf("\n会话异常终止: %s\n", result.Summary.LastError)
	case "max_iterations_reached":
		fmt.Println("\n达到最大迭代次数, 会话已归档")
	default:
		fmt.Printf("\n会话结束, 状态: %s\n", result.Status)
	}
	return nil
}

// printProgress 打印计划步骤与各步观察，给分析人员一个随时可读的进度视图。
func printProgress(result secagent.StepResult) {
	for _, step := range result.Summary.TaskSteps {
		marker := " "
		switch step.Status {
		case "completed":
			marker = "x"
		case "running":
			marker = ">"
		case "failed":
			marker = "!"
		}
		fmt.Printf("  [%s] %d. %s\n", marker, step.StepID, step.Description)
		if step.Result != "" {
			fmt.Printf("      观察: %s\n", truncate(step.Result, 160))
		}
		if step.Error != "" {
			fmt.Printf("      失败: %s\n", truncate(step.Error, 160))
		}
	}
	if result.AwaitingInput {
		fmt.Printf("\n代理等待输入: %s\n", result.Prompt)
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
