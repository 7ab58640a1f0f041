package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
	"github.com/si1ence90/SecAgentCore/pkg/logger"
)

// Registry 维护已注册的工具集合。注册顺序保持稳定，
// 参数别名修复按该顺序决定优先级。
type Registry struct {
	mu    sync.RWMutex
	names []string
	items map[string]Capability
}

// NewRegistry 创建一个空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Capability)}
}

// Register 注册一个工具。重名返回 CAPABILITY_DUPLICATE。
func (r *Registry) Register(cap Capability) error {
	name := strings.TrimSpace(cap.Name())
	if name == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "工具名称不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[name]; exists {
		return apperrors.Newf(CodeDuplicate, "工具 %s 已注册", name)
	}
	r.items[name] = cap
	r.names = append(r.names, name)
	logger.Named("capability").Info("注册工具", "name", name, "sensitive", cap.Sensitive())
	return nil
}

// MustRegister 与 Register 相同，失败时 panic，用于启动期装配。
func (r *Registry) MustRegister(cap Capability) {
	if err := r.Register(cap); err != nil {
		panic(err)
	}
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.items[name]
	return cap, ok
}

// Names 返回按注册顺序排列的工具名。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	return names
}

// Schemas 返回全部工具的对外描述，按注册顺序排列。
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]Schema, 0, len(r.names))
	for _, name := range r.names {
		cap := r.items[name]
		schemas = append(schemas, Schema{
			Name:        cap.Name(),
			Description: cap.Description(),
			Parameters:  cap.Parameters(),
			Sensitive:   cap.Sensitive(),
		})
	}
	return schemas
}

// Validate 校验参数是否满足工具的必填声明，并回填缺省值。
// 返回值是可安全传给 Execute 的参数副本。
func (r *Registry) Validate(cap Capability, args map[string]any) (map[string]any, error) {
	prepared := make(map[string]any, len(args))
	for k, v := range args {
		prepared[k] = v
	}
	var missing []string
	for _, param := range cap.Parameters() {
		if _, ok := prepared[param.Name]; ok {
			continue
		}
		if param.Default != nil {
			prepared[param.Name] = param.Default
			continue
		}
		if param.Required {
			missing = append(missing, param.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperrors.Newf(CodeMissingParameter, "缺少必需参数: %s", strings.Join(missing, ", "))
	}
	return prepared, nil
}

// Invoke 查找并执行工具。参数校验失败时不会触碰工具本身；
// 校验通过后工具恰好执行一次，panic 会被捕获并转换为调用失败。
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result Result, err error) {
	cap, ok := r.Get(name)
	if !ok {
		return Result{}, apperrors.Newf(CodeNotFound, "未知工具: %s", name)
	}

	prepared, err := r.Validate(cap, args)
	if err != nil {
		return Result{}, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = Result{}
			err = apperrors.Newf(CodeInvocationFailed, "工具 %s 执行时 panic: %v", name, rec)
		}
	}()

	result, err = cap.Execute(ctx, prepared)
	if err != nil {
		if _, ok := apperrors.From(err); !ok {
			err = apperrors.Wrap(CodeInvocationFailed, err, fmt.Sprintf("工具 %s 执行失败", name))
		}
		return Result{}, err
	}
	return result, nil
}

// MissingParameters 从校验错误中还原缺失的参数名，供修复逻辑使用。
func MissingParameters(err error) []string {
	e, ok := apperrors.From(err)
	if !ok || e.Code() != CodeMissingParameter {
		return nil
	}
	msg := e.Message()
	idx := strings.Index(msg, ":")
	if idx < 0 {
		return nil
	}
	fields := strings.Split(msg[idx+1:], ",")
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}
