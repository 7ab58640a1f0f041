package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/si1ence90/SecAgentCore/pkg/logger"
)

// Service 负责 HTTP 端点的 API Key 认证。
type Service struct {
	enabled bool
	store   *MemoryKeyStore
	audit   *slog.Logger
}

// NewService 构造认证服务实例。启用认证但没有任何密钥属于配置错误，
// 交由调用方在装配阶段拦截。
func NewService(cfg Config) *Service {
	return &Service{
		enabled: cfg.Enabled,
		store:   NewMemoryKeyStore(cfg.Keys),
		audit:   logger.Audit(),
	}
}

// Enabled 返回认证是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// Authenticate 验证一个原始 API Key。
func (s *Service) Authenticate(rawKey string) (*Principal, error) {
	if s == nil || !s.enabled {
		return nil, ErrDisabled
	}
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, ErrMissingKey
	}
	principal, err := s.store.Lookup(digestKey(rawKey))
	if err != nil {
		return nil, err
	}
	if principal.Revoked {
		return nil, ErrKeyRevoked
	}
	return principal, nil
}

// AuthenticateRequest 从请求头提取密钥并校验。
// 支持 X-API-Key 头和 Authorization: Bearer 两种携带方式。
func (s *Service) AuthenticateRequest(r *http.Request) (*Principal, error) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return s.Authenticate(key)
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return nil, ErrMissingKey
	}
	const bearerPrefix = "bearer "
	if len(authz) > len(bearerPrefix) && strings.EqualFold(authz[:len(bearerPrefix)], bearerPrefix) {
		return s.Authenticate(authz[len(bearerPrefix):])
	}
	return nil, ErrInvalidKey
}

// Revoke 吊销指定名称的密钥并记录审计日志。
func (s *Service) Revoke(name string) int {
	if s == nil {
		return 0
	}
	revoked := s.store.Revoke(name)
	if revoked > 0 {
		s.audit.Warn("api_key_revoked", "name", name, "count", revoked)
	}
	return revoked
}
