package capability

import (
	"context"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

// 本包注册的错误码。
const (
	CodeNotFound         apperrors.Code = "CAPABILITY_NOT_FOUND"
	CodeDuplicate        apperrors.Code = "CAPABILITY_DUPLICATE"
	CodeMissingParameter apperrors.Code = "CAPABILITY_MISSING_PARAMETER"
	CodeInvocationFailed apperrors.Code = "CAPABILITY_INVOCATION_FAILED"
)

func init() {
	apperrors.Register(CodeNotFound, apperrors.Attributes{
		Message:  "capability not found",
		Severity: apperrors.SeverityInfo,
	})
	apperrors.Register(CodeDuplicate, apperrors.Attributes{
		Message:  "capability already registered",
		Severity: apperrors.SeverityWarning,
	})
	apperrors.Register(CodeMissingParameter, apperrors.Attributes{
		Message:  "required parameter missing",
		Severity: apperrors.SeverityInfo,
	})
	apperrors.Register(CodeInvocationFailed, apperrors.Attributes{
		Message:  "capability invocation failed",
		Severity: apperrors.SeverityWarning,
		Alert:    true,
	})
}

// Parameter 描述一个工具入参。
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Result 是一次工具执行的产出。Output 必须可被 JSON 序列化。
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Capability 是注册到编排器的安全工具。
// Execute 只在参数校验通过后被调用，且每次工具请求最多执行一次。
type Capability interface {
	Name() string
	Description() string
	Parameters() []Parameter
	Sensitive() bool
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Schema 是对外暴露的工具描述，用于注入提示词和 API 列表接口。
type Schema struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Sensitive   bool        `json:"sensitive"`
}
