package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newEnabledService() *Service {
	return NewService(Config{
		Enabled: true,
		Keys: []KeySeed{
			{Name: "scanner", Key: "secret-token-1"},
			{Name: "revoked", Key: "secret-token-2", Revoked: true},
		},
	})
}

func TestAuthenticate(t *testing.T) {
	svc := newEnabledService()

	principal, err := svc.Authenticate("secret-token-1")
	if err != nil {
		t.Fatalf("合法密钥认证失败: %v", err)
	}
	if principal.Name != "scanner" {
		t.Fatalf("调用方名称不符: %q", principal.Name)
	}
	if principal.KeyHint != "****en-1" {
		t.Fatalf("密钥提示不符: %q", principal.KeyHint)
	}

	if _, err := svc.Authenticate("wrong"); err != ErrInvalidKey {
		t.Fatalf("未知密钥应返回 ErrInvalidKey, 实际 %v", err)
	}
	if _, err := svc.Authenticate(""); err != ErrMissingKey {
		t.Fatalf("空密钥应返回 ErrMissingKey, 实际 %v", err)
	}
	if _, err := svc.Authenticate("secret-token-2"); err != ErrKeyRevoked {
		t.Fatalf("吊销密钥应返回 ErrKeyRevoked, 实际 %v", err)
	}
}

func TestAuthenticateRequestHeaders(t *testing.T) {
	svc := newEnabledService()

	r := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	r.Header.Set("X-API-Key", "secret-token-1")
	if _, err := svc.AuthenticateRequest(r); err != nil {
		t.Fatalf("X-API-Key 方式应通过: %v", err)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	r.Header.Set("Authorization", "Bearer secret-token-1")
	if _, err := svc.AuthenticateRequest(r); err != nil {
		t.Fatalf("Bearer 方式应通过: %v", err)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	if _, err := svc.AuthenticateRequest(r); err != ErrMissingKey {
		t.Fatalf("无密钥应返回 ErrMissingKey, 实际 %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newEnabledService()
	var gotName string
	handler := svc.Middleware(MiddlewareConfig{AuditEvent: "test"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if principal := PrincipalFromContext(r.Context()); principal != nil {
				gotName = principal.Name
			}
			w.WriteHeader(http.StatusNoContent)
		}))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	r.Header.Set("X-API-Key", "secret-token-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("合法请求应放行, 实际 %d", w.Code)
	}
	if gotName != "scanner" {
		t.Fatalf("上下文应携带调用方, 实际 %q", gotName)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("无密钥请求应拒绝, 实际 %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	r.Header.Set("X-API-Key", "secret-token-2")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("吊销密钥应返回 403, 实际 %d", w.Code)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc := NewService(Config{Enabled: false})
	handler := svc.Middleware(MiddlewareConfig{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("认证关闭时应放行, 实际 %d", w.Code)
	}
}

func TestRevoke(t *testing.T) {
	svc := newEnabledService()
	if n := svc.Revoke("scanner"); n != 1 {
		t.Fatalf("应吊销 1 个密钥, 实际 %d", n)
	}
	if _, err := svc.Authenticate("secret-token-1"); err != ErrKeyRevoked {
		t.Fatalf("吊销后认证应失败, 实际 %v", err)
	}
}

func TestSeedsFromStrings(t *testing.T) {
	seeds := SeedsFromStrings([]string{"scanner:tok-1", "tok-2", "  ", ":broken"})
	if len(seeds) != 3 {
		t.Fatalf("期望 3 个密钥, 实际 %d", len(seeds))
	}
	if seeds[0].Name != "scanner" || seeds[0].Key != "tok-1" {
		t.Fatalf("带名字的条目解析不符: %+v", seeds[0])
	}
	if seeds[1].Name != "key-2" || seeds[1].Key != "tok-2" {
		t.Fatalf("匿名条目解析不符: %+v", seeds[1])
	}
}
