package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secagent.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-unit-test")

	path := writeConfig(t, `
llm:
  provider: openai
  api_key: ${TEST_LLM_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.LLM.APIKey != "sk-unit-test" {
		t.Fatalf("期望展开环境变量, 实际 %q", cfg.LLM.APIKey)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("期望默认监听地址 :8080, 实际 %q", cfg.Server.Address)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Fatalf("期望默认最大迭代 10, 实际 %d", cfg.Agent.MaxIterations)
	}
	if cfg.LLM.Timeout() != 60*time.Second {
		t.Fatalf("期望默认超时 60s, 实际 %v", cfg.LLM.Timeout())
	}
	if cfg.Archive.Driver != "memory" {
		t.Fatalf("期望默认归档后端 memory, 实际 %q", cfg.Archive.Driver)
	}
	if len(cfg.Audit.Drivers) != 1 || cfg.Audit.Drivers[0] != "log" {
		t.Fatalf("期望默认审计通道 log, 实际 %v", cfg.Audit.Drivers)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `
knowledge:
  path: knowledge.json
archive:
  path: data/sessions.jsonl
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	baseDir := filepath.Dir(path)
	if cfg.Knowledge.Path != filepath.Join(baseDir, "knowledge.json") {
		t.Fatalf("期望知识库路径相对配置目录解析, 实际 %q", cfg.Knowledge.Path)
	}
	if cfg.Archive.Path != filepath.Join(baseDir, "data", "sessions.jsonl") {
		t.Fatalf("期望归档路径相对配置目录解析, 实际 %q", cfg.Archive.Path)
	}
}

func TestHumanInLoopAndSafeModeDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  safe_mode: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if !cfg.Agent.HumanInLoopEnabled() {
		t.Fatal("未配置时人工确认应默认开启")
	}
	if cfg.Agent.SafeModeEnabled() {
		t.Fatal("显式关闭 safe_mode 后应返回 false")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"未知 provider", "llm:\n  provider: bard\n"},
		{"redis 通道缺地址", "audit:\n  drivers: [redis]\n"},
		{"rabbitmq 通道缺 URL", "audit:\n  drivers: [rabbitmq]\n"},
		{"mysql 归档缺 DSN", "archive:\n  driver: mysql\n"},
		{"未知归档后端", "archive:\n  driver: etcd\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if apperrors.CodeOf(err) != apperrors.CodeConfiguration {
				t.Fatalf("期望配置错误, 实际 %v", err)
			}
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if apperrors.CodeOf(err) != apperrors.CodeConfiguration {
		t.Fatalf("期望配置错误, 实际 %v", err)
	}
}
