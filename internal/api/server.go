package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/si1ence90/SecAgentCore/internal/agent"
	"github.com/si1ence90/SecAgentCore/internal/auth"
	"github.com/si1ence90/SecAgentCore/internal/capability"
	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
	"github.com/si1ence90/SecAgentCore/internal/observability/metrics"
	"github.com/si1ence90/SecAgentCore/internal/session"
	"github.com/si1ence90/SecAgentCore/internal/storage/mysql"
)

// Server 负责暴露 REST 接口，供外部驱动分析会话。
type Server struct {
	addr         string
	orchestrator *agent.Orchestrator
	registry     *capability.Registry
	archive      mysql.SessionArchive
	auth         *auth.Service
}

// ServerOption 配置可选的服务依赖。
type ServerOption func(*Server)

// WithArchive 挂载归档查询接口。
func WithArchive(archive mysql.SessionArchive) ServerOption {
	return func(s *Server) { s.archive = archive }
}

// WithAuth 启用 API Key 认证。
func WithAuth(service *auth.Service) ServerOption {
	return func(s *Server) { s.auth = service }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orchestrator *agent.Orchestrator, registry *capability.Registry, opts ...ServerOption) *Server {
	s := &Server{addr: addr, orchestrator: orchestrator, registry: registry}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 组装完整的路由。业务接口走认证中间件，
// /healthz 和 /metrics 保持开放给探活与采集。
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/v1/sessions", instrument("sessions", s.handleSessions))
	api.HandleFunc("/api/v1/sessions/", instrument("session_detail", s.handleSessionDetail))
	api.HandleFunc("/api/v1/capabilities", instrument("capabilities", s.handleCapabilities))
	api.HandleFunc("/api/v1/archive", instrument("archive", s.handleArchive))

	var protected http.Handler = api
	if s.auth != nil {
		protected = s.auth.Middleware(auth.MiddlewareConfig{})(api)
	}

	root := http.NewServeMux()
	root.Handle("/api/v1/", protected)
	root.Handle("/metrics", metrics.Handler())
	root.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return root
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// createSessionRequest 是创建会话的请求体。Run 为 true 时
// 同步推进到第一个停顿点再返回。
type createSessionRequest struct {
	Goal string `json:"goal"`
	Run  bool   `json:"run,omitempty"`
}

// stepRequest 是推进会话的请求体。
type stepRequest struct {
	Input string `json:"input,omitempty"`
	Run   bool   `json:"run,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSession(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.orchestrator.Sessions())
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	summary, err := s.orchestrator.CreateSession(r.Context(), req.Goal)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}

	if req.Run {
		result, err := s.orchestrator.Run(r.Context(), summary.ID)
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// handleSessionDetail 分发 /api/v1/sessions/{id} 与
// /api/v1/sessions/{id}/steps。
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少会话 ID", http.StatusBadRequest)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.handleGetSession(w, r, id)
	case sub == "steps" && r.Method == http.MethodPost:
		s.handleStep(w, r, id)
	default:
		http.Error(w, "不支持的方法或路径", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	summary, err := s.orchestrator.Session(id)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request, id string) {
	// 空请求体等价于无输入的单步推进。
	var req stepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	var (
		result *agent.StepResult
		err    error
	)
	if req.Run {
		result, err = s.runWithInput(r.Context(), id, req.Input)
	} else {
		result, err = s.orchestrator.Step(r.Context(), id, req.Input)
	}
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// runWithInput 先消费一次人工输入，再推进到下一个停顿点。
func (s *Server) runWithInput(ctx context.Context, id, input string) (*agent.StepResult, error) {
	result, err := s.orchestrator.Step(ctx, id, input)
	if err != nil {
		return nil, err
	}
	if result.AwaitingInput || result.Status.Terminal() {
		return result, nil
	}
	return s.orchestrator.Run(ctx, id)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Schemas())
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.archive == nil {
		http.Error(w, "归档未启用", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.archive.ListLatest(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// instrument 记录每个路由的请求量、错误量和耗时。
func instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	}
}

// statusWriter 捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusOf 把内部错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch apperrors.CodeOf(err) {
	case session.CodeSessionNotFound, apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperrors.CodeConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
