package config

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

// Config 描述服务启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	LLM       LLMConfig       `yaml:"llm"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Audit     AuditConfig     `yaml:"audit"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string   `yaml:"address"`
	APIKeys []string `yaml:"api_keys"`
}

// AgentConfig 控制推理循环的运行参数。
type AgentConfig struct {
	MaxIterations     int      `yaml:"max_iterations"`
	HumanInLoop       *bool    `yaml:"human_in_loop"`
	SafeMode          *bool    `yaml:"safe_mode"`
	SensitiveKeywords []string `yaml:"sensitive_keywords"`
}

// HumanInLoopEnabled 返回人工确认开关，未配置时默认开启。
func (c AgentConfig) HumanInLoopEnabled() bool {
	if c.HumanInLoop == nil {
		return true
	}
	return *c.HumanInLoop
}

// SafeModeEnabled 返回全局安全模式开关，未配置时默认开启。
func (c AgentConfig) SafeModeEnabled() bool {
	if c.SafeMode == nil {
		return true
	}
	return *c.SafeMode
}

// LLMConfig 描述大模型接口的调用方式。
type LLMConfig struct {
	Provider       string `yaml:"provider"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
	InitialDelayMS int    `yaml:"initial_delay_ms"`
}

// Timeout 返回单次模型调用的超时时间。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// InitialDelay 返回重试退避的初始间隔。
func (c LLMConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMS) * time.Millisecond
}

// KnowledgeConfig 指向本地知识库文件。
type KnowledgeConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig 描述审计事件的发布通道。
type AuditConfig struct {
	Drivers  []string       `yaml:"drivers"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 审计通道的连接信息。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 审计通道的连接信息。
type RabbitMQConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// ArchiveConfig 描述会话归档后端。
type ArchiveConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

// ToolsConfig 汇总各安全工具的外部依赖配置。
type ToolsConfig struct {
	ThreatBook ThreatBookConfig `yaml:"threatbook"`
	Notify     NotifyConfig     `yaml:"notify"`
	Report     ReportConfig     `yaml:"report"`
}

// ThreatBookConfig 描述威胁情报查询所需的凭证。
type ThreatBookConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回威胁情报接口的请求超时。
func (c ThreatBookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NotifyConfig 描述通知工具可用的发送通道。
type NotifyConfig struct {
	Email    EmailConfig   `yaml:"email"`
	DingTalk WebhookConfig `yaml:"dingtalk"`
	Slack    WebhookConfig `yaml:"slack"`
}

// EmailConfig 描述 SMTP 发信参数。
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// WebhookConfig 描述 webhook 推送地址。
type WebhookConfig struct {
	URL string `yaml:"url"`
}

// ReportConfig 描述报告生成工具的输出目录。
type ReportConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string         `yaml:"level"`
	Format      string         `yaml:"format"`
	OutputPaths []string       `yaml:"output_paths"`
	Audit       AuditLogConfig `yaml:"audit"`
}

// AuditLogConfig 控制审计日志文件的滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// Load 解析指定路径的 YAML 配置文件，并展开 ${VAR} 形式的环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, err, "读取配置文件失败")
	}

	expanded := envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, err, "解析配置失败")
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.InitialDelayMS <= 0 {
		c.LLM.InitialDelayMS = 1000
	}

	if c.Knowledge.Path != "" && !filepath.IsAbs(c.Knowledge.Path) {
		c.Knowledge.Path = filepath.Join(baseDir, c.Knowledge.Path)
	}

	if len(c.Audit.Drivers) == 0 {
		c.Audit.Drivers = []string{"log"}
	}
	if c.Audit.Redis.Key == "" {
		c.Audit.Redis.Key = "secagent:audit"
	}
	if c.Audit.RabbitMQ.Queue == "" {
		c.Audit.RabbitMQ.Queue = "secagent.audit"
	}

	if c.Archive.Driver == "" {
		c.Archive.Driver = "memory"
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(baseDir, "data", "sessions.jsonl")
	} else if !filepath.IsAbs(c.Archive.Path) {
		c.Archive.Path = filepath.Join(baseDir, c.Archive.Path)
	}

	if c.Tools.ThreatBook.BaseURL == "" {
		c.Tools.ThreatBook.BaseURL = "https://api.threatbook.cn/v3"
	}
	if c.Tools.ThreatBook.TimeoutSeconds <= 0 {
		c.Tools.ThreatBook.TimeoutSeconds = 15
	}
	if c.Tools.Report.OutputDir == "" {
		c.Tools.Report.OutputDir = filepath.Join(baseDir, "reports")
	} else if !filepath.IsAbs(c.Tools.Report.OutputDir) {
		c.Tools.Report.OutputDir = filepath.Join(baseDir, c.Tools.Report.OutputDir)
	}
}

// validate 检查关键配置项之间的约束。
func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "openai":
	default:
		return apperrors.Newf(apperrors.CodeConfiguration, "不支持的 LLM provider: %s", c.LLM.Provider)
	}

	for _, driver := range c.Audit.Drivers {
		switch driver {
		case "log", "memory":
		case "redis":
			if c.Audit.Redis.Addr == "" {
				return apperrors.New(apperrors.CodeConfiguration, "audit.redis.addr 不能为空")
			}
		case "rabbitmq":
			if c.Audit.RabbitMQ.URL == "" {
				return apperrors.New(apperrors.CodeConfiguration, "audit.rabbitmq.url 不能为空")
			}
		default:
			return apperrors.Newf(apperrors.CodeConfiguration, "不支持的审计通道: %s", driver)
		}
	}

	switch c.Archive.Driver {
	case "memory":
	case "mysql":
		if c.Archive.DSN == "" {
			return apperrors.New(apperrors.CodeConfiguration, "archive.dsn 不能为空")
		}
	default:
		return apperrors.Newf(apperrors.CodeConfiguration, "不支持的归档后端: %s", c.Archive.Driver)
	}
	return nil
}
