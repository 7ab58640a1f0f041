package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 认证子系统暴露的错误。
var (
	ErrDisabled   = errors.New("authentication disabled")
	ErrMissingKey = errors.New("missing api key")
	ErrInvalidKey = errors.New("invalid api key")
	ErrKeyRevoked = errors.New("api key is revoked")
)

// Principal 描述一个通过 API Key 认证的调用方，
// 由中间件写入请求上下文。
type Principal struct {
	Name    string
	KeyHint string
	Revoked bool
}

// KeySeed 定义一个预置的 API Key。
type KeySeed struct {
	Name    string
	Key     string
	Revoked bool
}

// Config 配置认证服务。Enabled 为 false 时所有请求直接放行。
type Config struct {
	Enabled bool
	Keys    []KeySeed
}

// SeedsFromStrings 把配置里 "name:secret" 形式的条目解析为 KeySeed。
// 没有名字前缀时按序命名为 key-1、key-2。
func SeedsFromStrings(values []string) []KeySeed {
	seeds := make([]KeySeed, 0, len(values))
	for i, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		name := fmt.Sprintf("key-%d", i+1)
		secret := value
		if idx := strings.IndexByte(value, ':'); idx > 0 && idx < len(value)-1 {
			name = value[:idx]
			secret = value[idx+1:]
		}
		seeds = append(seeds, KeySeed{Name: name, Key: secret})
	}
	return seeds
}
