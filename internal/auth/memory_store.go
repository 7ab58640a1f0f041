package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// MemoryKeyStore 在内存中维护 API Key 摘要到调用方的映射。
// 只保存 SHA-256 摘要，原始密钥不落内存之外的任何地方。
type MemoryKeyStore struct {
	mu    sync.RWMutex
	byKey map[string]*Principal
}

// NewMemoryKeyStore 用预置密钥初始化存储。
func NewMemoryKeyStore(seeds []KeySeed) *MemoryKeyStore {
	store := &MemoryKeyStore{byKey: make(map[string]*Principal, len(seeds))}
	for _, seed := range seeds {
		store.Put(seed)
	}
	return store
}

// Put 写入或更新一个密钥。空密钥被忽略。
func (s *MemoryKeyStore) Put(seed KeySeed) {
	key := strings.TrimSpace(seed.Key)
	if key == "" {
		return
	}
	name := strings.TrimSpace(seed.Name)
	if name == "" {
		name = "unnamed"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[digestKey(key)] = &Principal{
		Name:    name,
		KeyHint: keyHint(key),
		Revoked: seed.Revoked,
	}
}

// Revoke 吊销指定名称的所有密钥。返回被吊销的数量。
func (s *MemoryKeyStore) Revoke(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := 0
	for _, principal := range s.byKey {
		if principal.Name == name && !principal.Revoked {
			principal.Revoked = true
			revoked++
		}
	}
	return revoked
}

// Lookup 按摘要查找调用方。找不到时返回 ErrInvalidKey。
func (s *MemoryKeyStore) Lookup(digest string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if principal, ok := s.byKey[digest]; ok {
		clone := *principal
		return &clone, nil
	}
	return nil, ErrInvalidKey
}

func digestKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// keyHint 返回密钥末四位，用于审计日志中区分密钥而不泄露内容。
func keyHint(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
