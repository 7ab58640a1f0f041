package session

import (
	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

// Status 描述一次会话所处的推理阶段。
type Status string

const (
	StatusIdle                 Status = "idle"
	StatusPlanning             Status = "planning"
	StatusExecuting            Status = "executing"
	StatusReflecting           Status = "reflecting"
	StatusAwaitingHumanInput   Status = "awaiting_human_input"
	StatusCompleted            Status = "completed"
	StatusError                Status = "error"
	StatusMaxIterationsReached Status = "max_iterations_reached"
)

// 本包注册的错误码。
const (
	CodeSessionNotFound   apperrors.Code = "SESSION_NOT_FOUND"
	CodeSessionTerminal   apperrors.Code = "SESSION_TERMINAL"
	CodeInvalidTransition apperrors.Code = "SESSION_INVALID_TRANSITION"
)

func init() {
	apperrors.Register(CodeSessionNotFound, apperrors.Attributes{
		Message:  "session not found",
		Severity: apperrors.SeverityInfo,
	})
	apperrors.Register(CodeSessionTerminal, apperrors.Attributes{
		Message:  "session already reached a terminal status",
		Severity: apperrors.SeverityInfo,
	})
	apperrors.Register(CodeInvalidTransition, apperrors.Attributes{
		Message:  "invalid session status transition",
		Severity: apperrors.SeverityWarning,
		Alert:    true,
	})
}

// Terminal 判断该状态是否为终态。终态会话不再接受任何推进。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusMaxIterationsReached:
		return true
	}
	return false
}

// transitions 列出每个状态允许进入的下一个状态。
// error 与 max_iterations_reached 允许从任何非终态进入，
// 由 CanTransition 单独放行。
var transitions = map[Status][]Status{
	StatusIdle:               {StatusPlanning},
	StatusPlanning:           {StatusExecuting, StatusAwaitingHumanInput, StatusCompleted},
	StatusExecuting:          {StatusReflecting, StatusAwaitingHumanInput, StatusCompleted},
	StatusReflecting:         {StatusPlanning},
	StatusAwaitingHumanInput: {StatusPlanning, StatusExecuting},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusError || to == StatusMaxIterationsReached {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
