package session

import (
	"encoding/json"
	"time"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

// 消息角色。observation 承载工具执行产出。
const (
	RoleSystem      = "system"
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleObservation = "observation"
)

// 任务步骤状态。
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Message 是会话历史中的一条消息。
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskStep 是模型计划中的一个步骤。StepID 从 1 开始按加入顺序递增。
type TaskStep struct {
	StepID         int            `json:"step_id"`
	Description    string         `json:"description"`
	Status         string         `json:"status"`
	CapabilityName string         `json:"capability_name,omitempty"`
	CapabilityArgs map[string]any `json:"capability_args,omitempty"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Decision 是模型单轮输出解析后的结构化决策。
type Decision struct {
	Thought     string         `json:"thought"`
	Plan        []string       `json:"plan"`
	Action      string         `json:"action"`
	ActionInput map[string]any `json:"action_input"`
}

// FinalAnswerAction 是模型声明任务完成时使用的动作名。
const FinalAnswerAction = "final_answer"

// TokenUsage 累计会话消耗的 token 数量与模型调用次数。
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CallCount        int `json:"call_count"`
}

// Add 累加一次调用的用量。
func (u *TokenUsage) Add(prompt, completion, total int) {
	u.PromptTokens += prompt
	u.CompletionTokens += completion
	u.TotalTokens += total
	u.CallCount++
}

// PendingConfirmation 记录等待人工确认的敏感操作。
type PendingConfirmation struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
	Prompt string         `json:"prompt"`
}

// ExecutionRecord 是一次工具执行的留痕。
type ExecutionRecord struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
	Success    bool           `json:"success"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// State 保存一次会话的全部可观测状态。
// 并发控制由持有它的编排器负责，State 自身不加锁。
type State struct {
	ID            string `json:"id"`
	Goal          string `json:"goal"`
	Status        Status `json:"status"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`

	Messages     []Message         `json:"messages"`
	TaskSteps    []TaskStep        `json:"task_steps"`
	ExecutionLog []ExecutionRecord `json:"execution_log"`
	LastDecision *Decision         `json:"last_decision,omitempty"`

	TokenUsage TokenUsage `json:"token_usage"`

	HumanInputRequired  bool                 `json:"human_input_required"`
	HumanPrompt         string               `json:"human_prompt,omitempty"`
	PendingConfirmation *PendingConfirmation `json:"pending_confirmation,omitempty"`

	FinalAnswer string `json:"final_answer,omitempty"`
	LastError   string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState 创建一个处于 idle 状态的新会话。
func NewState(id, goal string, maxIterations int) *State {
	now := time.Now().UTC()
	return &State{
		ID:            id,
		Goal:          goal,
		Status:        StatusIdle,
		MaxIterations: maxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// SetStatus 执行一次状态迁移。终态会话返回 SESSION_TERMINAL，
// 非法迁移返回 SESSION_INVALID_TRANSITION。
func (s *State) SetStatus(to Status) error {
	if s.Status == to {
		return nil
	}
	if s.Status.Terminal() {
		return apperrors.Newf(CodeSessionTerminal, "会话 %s 已处于终态 %s", s.ID, s.Status)
	}
	if !CanTransition(s.Status, to) {
		return apperrors.Newf(CodeInvalidTransition, "不允许从 %s 迁移到 %s", s.Status, to)
	}
	s.Status = to
	s.touch()
	return nil
}

// Terminal 判断会话是否已结束。
func (s *State) Terminal() bool {
	return s.Status.Terminal()
}

// AddMessage 追加一条会话消息。
func (s *State) AddMessage(role, content string) {
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	s.touch()
}

// AddTaskStep 追加一个计划步骤并返回其 StepID。
func (s *State) AddTaskStep(description string) int {
	step := TaskStep{
		StepID:      len(s.TaskSteps) + 1,
		Description: description,
		Status:      StepPending,
	}
	s.TaskSteps = append(s.TaskSteps, step)
	s.touch()
	return step.StepID
}

// UpdateTaskStep 按 StepID 更新步骤状态。找不到时静默忽略。
func (s *State) UpdateTaskStep(stepID int, update func(*TaskStep)) {
	for i := range s.TaskSteps {
		if s.TaskSteps[i].StepID == stepID {
			update(&s.TaskSteps[i])
			s.touch()
			return
		}
	}
}

// NextPendingStep 返回计划中最早一个未结束的步骤，没有则返回 nil。
func (s *State) NextPendingStep() *TaskStep {
	for i := range s.TaskSteps {
		if s.TaskSteps[i].Status == StepPending || s.TaskSteps[i].Status == StepRunning {
			return &s.TaskSteps[i]
		}
	}
	return nil
}

// AddExecutionRecord 记录一次工具执行。
func (s *State) AddExecutionRecord(rec ExecutionRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.ExecutionLog = append(s.ExecutionLog, rec)
	s.touch()
}

// RequestHumanInput 标记会话等待人工输入。
func (s *State) RequestHumanInput(prompt string) {
	s.HumanInputRequired = true
	s.HumanPrompt = prompt
	s.touch()
}

// ClearHumanInput 清除人工输入标记。
func (s *State) ClearHumanInput() {
	s.HumanInputRequired = false
	s.HumanPrompt = ""
	s.touch()
}

// SetPendingConfirmation 记录等待确认的敏感操作。
func (s *State) SetPendingConfirmation(p *PendingConfirmation) {
	s.PendingConfirmation = p
	s.touch()
}

// ClearPendingConfirmation 清除待确认操作。
func (s *State) ClearPendingConfirmation() {
	s.PendingConfirmation = nil
	s.touch()
}

func (s *State) touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Summary 是面向调用方的会话快照，可直接序列化为 JSON。
type Summary struct {
	ID                 string     `json:"id"`
	Goal               string     `json:"goal"`
	Status             Status     `json:"status"`
	Iteration          int        `json:"iteration"`
	MaxIterations      int        `json:"max_iterations"`
	MessageCount       int        `json:"message_count"`
	TaskSteps          []TaskStep `json:"task_steps"`
	TokenUsage         TokenUsage `json:"token_usage"`
	HumanInputRequired bool       `json:"human_input_required"`
	HumanPrompt        string     `json:"human_prompt,omitempty"`
	FinalAnswer        string     `json:"final_answer,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Summary 生成当前状态的快照。
func (s *State) Summary() Summary {
	steps := make([]TaskStep, len(s.TaskSteps))
	copy(steps, s.TaskSteps)
	return Summary{
		ID:                 s.ID,
		Goal:               s.Goal,
		Status:             s.Status,
		Iteration:          s.Iteration,
		MaxIterations:      s.MaxIterations,
		MessageCount:       len(s.Messages),
		TaskSteps:          steps,
		TokenUsage:         s.TokenUsage,
		HumanInputRequired: s.HumanInputRequired,
		HumanPrompt:        s.HumanPrompt,
		FinalAnswer:        s.FinalAnswer,
		LastError:          s.LastError,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

// Clone 返回状态的深拷贝，用于归档和快照读取。
func (s *State) Clone() *State {
	encoded, err := json.Marshal(s)
	if err != nil {
		clone := *s
		return &clone
	}
	var clone State
	if err := json.Unmarshal(encoded, &clone); err != nil {
		fallback := *s
		return &fallback
	}
	return &clone
}
