package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/si1ence90/SecAgentCore/internal/agent"
	"github.com/si1ence90/SecAgentCore/internal/api"
	"github.com/si1ence90/SecAgentCore/internal/audit"
	"github.com/si1ence90/SecAgentCore/internal/auth"
	"github.com/si1ence90/SecAgentCore/internal/capability"
	"github.com/si1ence90/SecAgentCore/internal/capability/network"
	"github.com/si1ence90/SecAgentCore/internal/capability/notify"
	"github.com/si1ence90/SecAgentCore/internal/capability/pcap"
	"github.com/si1ence90/SecAgentCore/internal/capability/report"
	"github.com/si1ence90/SecAgentCore/internal/capability/threatintel"
	"github.com/si1ence90/SecAgentCore/internal/config"
	"github.com/si1ence90/SecAgentCore/internal/knowledge"
	"github.com/si1ence90/SecAgentCore/internal/llm"
	"github.com/si1ence90/SecAgentCore/internal/llm/openai"
	"github.com/si1ence90/SecAgentCore/internal/observability/metrics"
	"github.com/si1ence90/SecAgentCore/internal/storage/mysql"
	"github.com/si1ence90/SecAgentCore/pkg/logger"
)

// main 是安全分析代理守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("secagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SECAGENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "secagent.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	auditSink, closeSinks, err := buildAuditSink(cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := archive.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	opts := []agent.Option{
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithLLMTimeout(cfg.LLM.Timeout()),
		agent.WithAuditSink(auditSink),
		agent.WithArchiver(archive),
		agent.WithConfirmationGate(agent.NewConfirmationGate(
			cfg.Agent.HumanInLoopEnabled(),
			cfg.Agent.SafeModeEnabled(),
			cfg.Agent.SensitiveKeywords,
		)),
	}

	if cfg.Knowledge.Path != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, 0)
		if err != nil {
			return err
		}
		logger.L().Info("知识库已加载", "path", cfg.Knowledge.Path, "entries", len(provider.Entries()))
		opts = append(opts, agent.WithKnowledgeProvider(provider))
	}

	orchestrator := agent.New(llmClient, registry, opts...)

	serverOpts := []api.ServerOption{api.WithArchive(archive)}
	if len(cfg.Server.APIKeys) > 0 {
		serverOpts = append(serverOpts, api.WithAuth(auth.NewService(auth.Config{
			Enabled: true,
			Keys:    auth.SeedsFromStrings(cfg.Server.APIKeys),
		})))
	}

	server := api.NewServer(cfg.Server.Address, orchestrator, registry, serverOpts...)
	logger.L().Info("secagentd 已启动", "addr", cfg.Server.Address,
		"archive", cfg.Archive.Driver, "audit", cfg.Audit.Drivers)
	return server.Start(ctx)
}

// buildRegistry 装配全部安全分析工具。凭证缺失的工具会被跳过并告警，
// 不阻塞其余工具启动。
func buildRegistry(cfg *config.Config) (*capability.Registry, error) {
	registry := capability.NewRegistry()
	registry.MustRegister(network.NewPing())
	registry.MustRegister(network.NewScan())
	registry.MustRegister(pcap.NewAnalysis())
	registry.MustRegister(report.New(cfg.Tools.Report.OutputDir))

	if cfg.Tools.ThreatBook.APIKey != "" {
		intel, err := threatintel.New(threatintel.Config{
			APIKey:  cfg.Tools.ThreatBook.APIKey,
			BaseURL: cfg.Tools.ThreatBook.BaseURL,
			Timeout: cfg.Tools.ThreatBook.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		registry.MustRegister(intel)
	} else {
		logger.L().Warn("未配置威胁情报 API Key, 跳过 threat_intel 工具")
	}

	transports := buildNotifyTransports(cfg.Tools.Notify)
	if len(transports) > 0 {
		registry.MustRegister(notify.New(transports...))
	} else {
		logger.L().Warn("未配置任何通知通道, 跳过 send_notification 工具")
	}
	return registry, nil
}

func buildNotifyTransports(cfg config.NotifyConfig) []notify.Transport {
	var transports []notify.Transport
	if cfg.Email.Host != "" {
		transports = append(transports, &notify.EmailTransport{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
		})
	}
	if cfg.DingTalk.URL != "" {
		transports = append(transports, notify.NewDingTalk(cfg.DingTalk.URL))
	}
	if cfg.Slack.URL != "" {
		transports = append(transports, notify.NewSlack(cfg.Slack.URL))
	}
	return transports
}

// buildAuditSink 按配置组装审计通道，永远串联指标采集。
func buildAuditSink(cfg *config.Config) (audit.Sink, func(), error) {
	sinks := []audit.Sink{&metrics.Sink{}}
	var closables []interface{ Close() error }

	for _, driver := range cfg.Audit.Drivers {
		switch driver {
		case "log":
			sinks = append(sinks, &audit.LogSink{})
		case "memory":
			sinks = append(sinks, audit.NewMemorySink())
		case "redis":
			sink, err := audit.NewRedisSink(audit.RedisSinkConfig{
				Address:  cfg.Audit.Redis.Addr,
				Password: cfg.Audit.Redis.Password,
				DB:       cfg.Audit.Redis.DB,
				Key:      cfg.Audit.Redis.Key,
			})
			if err != nil {
				return nil, nil, err
			}
			sinks = append(sinks, sink)
			closables = append(closables, sink)
		case "rabbitmq":
			sink, err := audit.NewRabbitMQSink(audit.RabbitMQSinkConfig{
				URL:     cfg.Audit.RabbitMQ.URL,
				Queue:   cfg.Audit.RabbitMQ.Queue,
				Durable: true,
			})
			if err != nil {
				return nil, nil, err
			}
			sinks = append(sinks, sink)
			closables = append(closables, sink)
		default:
			return nil, nil, fmt.Errorf("不支持的审计通道: %s", driver)
		}
	}

	closeAll := func() {
		for _, c := range closables {
			if err := c.Close(); err != nil {
				logger.L().Warn("关闭审计通道失败", "error", err)
			}
		}
	}
	return audit.NewFanout(sinks...), closeAll, nil
}

func buildArchive(ctx context.Context, cfg *config.Config) (mysql.SessionArchive, error) {
	switch cfg.Archive.Driver {
	case "memory", "":
		return mysql.NewFileSessionArchive(cfg.Archive.Path)
	case "mysql":
		return mysql.NewSQLSessionArchive(ctx, mysql.Config{DSN: cfg.Archive.DSN})
	default:
		return nil, fmt.Errorf("不支持的归档后端: %s", cfg.Archive.Driver)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := cfg.LLM.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("SECAGENT_LLM_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:       apiKey,
			BaseURL:      cfg.LLM.BaseURL,
			Model:        cfg.LLM.Model,
			Timeout:      cfg.LLM.Timeout(),
			MaxRetries:   cfg.LLM.MaxRetries,
			InitialDelay: cfg.LLM.InitialDelay(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
