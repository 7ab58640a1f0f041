package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/si1ence90/SecAgentCore/internal/audit"
	"github.com/si1ence90/SecAgentCore/internal/capability"
	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
	"github.com/si1ence90/SecAgentCore/internal/knowledge"
	"github.com/si1ence90/SecAgentCore/internal/llm"
	"github.com/si1ence90/SecAgentCore/internal/session"
	"github.com/si1ence90/SecAgentCore/pkg/logger"
)

// defaultMaxIterations 是单个会话允许的最大推理轮数默认值。
const defaultMaxIterations = 10

// Archiver 在会话进入终态后持久化完整状态。
type Archiver interface {
	Save(ctx context.Context, state *session.State) error
}

// Orchestrator 驱动 思考-行动-观察 循环，是系统的业务核心。
// 每个会话由独立互斥锁保护，同一会话的 Step 串行执行。
type Orchestrator struct {
	llmClient     llm.Client
	registry      *capability.Registry
	interpreter   Interpreter
	gate          *ConfirmationGate
	knowledge     knowledge.Provider
	auditSink     audit.Sink
	archiver      Archiver
	maxIterations int
	llmTimeout    time.Duration

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	mu    sync.Mutex
	state *session.State
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithKnowledgeProvider 配置知识库，用于在会话开始时补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(o *Orchestrator) { o.knowledge = provider }
}

// WithAuditSink 配置审计事件的投递目标。
func WithAuditSink(sink audit.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.auditSink = sink
		}
	}
}

// WithArchiver 配置终态会话的归档后端。
func WithArchiver(archiver Archiver) Option {
	return func(o *Orchestrator) { o.archiver = archiver }
}

// WithMaxIterations 设置单会话最大推理轮数。
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithConfirmationGate 替换默认的确认闸门。
func WithConfirmationGate(gate *ConfirmationGate) Option {
	return func(o *Orchestrator) {
		if gate != nil {
			o.gate = gate
		}
	}
}

// WithLLMTimeout 设置单次模型调用的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.llmTimeout = timeout
		}
	}
}

// New 创建编排器。默认开启人机协同与安全模式。
func New(llmClient llm.Client, registry *capability.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llmClient:     llmClient,
		registry:      registry,
		gate:          NewConfirmationGate(true, true, nil),
		auditSink:     audit.NopSink{},
		maxIterations: defaultMaxIterations,
		sessions:      make(map[string]*sessionEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// StepStatus 是 Step 暴露给调用方的粗粒度状态。非终态且无需人工
// 介入的会话统一归为 continuing，细粒度状态见 Summary.Status。
type StepStatus string

const (
	StepContinuing           StepStatus = "continuing"
	StepCompleted            StepStatus = "completed"
	StepError                StepStatus = "error"
	StepAwaitingHumanInput   StepStatus = "awaiting_human_input"
	StepMaxIterationsReached StepStatus = "max_iterations_reached"
)

// Terminal 判断该状态是否为终态。
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepError, StepMaxIterationsReached:
		return true
	}
	return false
}

func stepStatusOf(status session.Status) StepStatus {
	switch status {
	case session.StatusCompleted:
		return StepCompleted
	case session.StatusError:
		return StepError
	case session.StatusMaxIterationsReached:
		return StepMaxIterationsReached
	case session.StatusAwaitingHumanInput:
		return StepAwaitingHumanInput
	default:
		return StepContinuing
	}
}

// StepResult 汇总一次 Step 调用后的会话情况。
type StepResult struct {
	SessionID     string     `json:"session_id"`
	Status        StepStatus `json:"status"`
	Message       string     `json:"message,omitempty"`
	AwaitingInput bool       `json:"awaiting_input"`
	Prompt        string     `json:"prompt,omitempty"`
	FinalAnswer   string     `json:"final_answer,omitempty"`
	// CapabilityResult 仅在本轮确实执行了工具时填充。
	CapabilityResult *capability.Result `json:"capability_result,omitempty"`
	Summary          session.Summary    `json:"summary"`
}

// CreateSession 创建一个新会话并注入系统提示。
func (o *Orchestrator) CreateSession(ctx context.Context, goal string) (session.Summary, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return session.Summary{}, apperrors.New(apperrors.CodeInvalidArgument, "任务目标不能为空")
	}
	if o.llmClient == nil {
		return session.Summary{}, apperrors.New(apperrors.CodeConfiguration, "未配置大模型客户端")
	}

	st := session.NewState(uuid.NewString(), goal, o.maxIterations)

	var snippets []knowledge.Snippet
	if o.knowledge != nil {
		snippets = o.knowledge.Query(goal)
	}
	st.AddMessage(session.RoleSystem, buildSystemPrompt(o.registry.Schemas(), snippets))
	st.AddMessage(session.RoleUser, goal)

	o.mu.Lock()
	o.sessions[st.ID] = &sessionEntry{state: st}
	o.mu.Unlock()

	o.emit(ctx, audit.NewEvent(audit.EventSessionStart, st.ID, 0, map[string]any{
		"goal":           goal,
		"max_iterations": o.maxIterations,
		"knowledge_hits": len(snippets),
	}))
	logger.WithSession(st.ID).Info("创建会话", "goal", goal)
	return st.Summary(), nil
}

// Session 返回会话快照。
func (o *Orchestrator) Session(id string) (session.Summary, error) {
	entry, err := o.lookup(id)
	if err != nil {
		return session.Summary{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state.Summary(), nil
}

// Sessions 返回全部会话快照。
func (o *Orchestrator) Sessions() []session.Summary {
	o.mu.RLock()
	entries := make([]*sessionEntry, 0, len(o.sessions))
	for _, entry := range o.sessions {
		entries = append(entries, entry)
	}
	o.mu.RUnlock()

	summaries := make([]session.Summary, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		summaries = append(summaries, entry.state.Summary())
		entry.mu.Unlock()
	}
	return summaries
}

func (o *Orchestrator) lookup(id string) (*sessionEntry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.sessions[id]
	if !ok {
		return nil, apperrors.Newf(session.CodeSessionNotFound, "会话不存在: %s", id)
	}
	return entry, nil
}

// Step 推进会话一轮。humanInput 非空时作为用户输入注入；
// 终态会话是幂等空操作。
func (o *Orchestrator) Step(ctx context.Context, sessionID, humanInput string) (result *StepResult, err error) {
	entry, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	st := entry.state

	if st.Terminal() {
		return o.resultOf(st, "会话已结束", false), nil
	}

	// 推理循环内的任何 panic 都不允许击穿服务。
	defer func() {
		if rec := recover(); rec != nil {
			logger.WithSession(st.ID).Error("推理循环 panic", "panic", rec)
			o.failSession(ctx, st, fmt.Sprintf("内部错误: %v", rec))
			result = o.resultOf(st, "会话因内部错误终止", false)
			err = nil
		}
	}()

	if humanInput = strings.TrimSpace(humanInput); humanInput != "" {
		if done, res := o.handleHumanInput(ctx, st, humanInput); done {
			return res, nil
		}
	} else if st.Status == session.StatusAwaitingHumanInput {
		return o.resultOf(st, "会话等待人工输入", true), nil
	}

	// 轮数上限在自增之前检查，第 N 轮之后的 Step 不再推进。
	if st.Iteration >= st.MaxIterations {
		o.setStatus(ctx, st, session.StatusMaxIterationsReached)
		st.LastError = fmt.Sprintf("达到最大推理轮数 %d", st.MaxIterations)
		st.AddMessage(session.RoleSystem, st.LastError+"，会话终止。")
		o.finish(ctx, st, map[string]any{"reason": "max_iterations"})
		return o.resultOf(st, st.LastError, false), nil
	}

	st.Iteration++
	o.setStatus(ctx, st, session.StatusPlanning)
	o.emit(ctx, audit.NewEvent(audit.EventIterationStart, st.ID, st.Iteration, nil))

	content, ok := o.callModel(ctx, st)
	if !ok {
		return o.resultOf(st, st.LastError, false), nil
	}

	decision, perr := o.interpreter.Parse(content)
	if perr != nil {
		decision, perr = o.interpreter.Repair(content)
	}
	if perr != nil {
		o.emit(ctx, audit.NewEvent(audit.EventError, st.ID, st.Iteration, map[string]any{
			"code":    string(CodeParseError),
			"reason":  perr.Reason,
			"preview": perr.Preview,
		}))
		prompt := fmt.Sprintf("无法解析模型输出 (%s)，片段: %s\n请人工给出下一步指示。", perr.Reason, perr.Preview)
		st.RequestHumanInput(prompt)
		o.setStatus(ctx, st, session.StatusAwaitingHumanInput)
		return o.resultOf(st, "模型输出解析失败", true), nil
	}

	st.LastDecision = decision
	o.growPlan(st, decision.Plan)

	if decision.Action == "" {
		st.AddMessage(session.RoleObservation, "上一轮未给出 action，请选择一个工具或用 final_answer 结束任务。")
		return o.resultOf(st, "模型未给出行动", false), nil
	}

	if decision.Action == session.FinalAnswerAction {
		answer, _ := decision.ActionInput["answer"].(string)
		if strings.TrimSpace(answer) == "" {
			answer = decision.Thought
		}
		if strings.TrimSpace(answer) == "" {
			answer = "任务完成"
		}
		st.FinalAnswer = answer
		o.setStatus(ctx, st, session.StatusCompleted)
		o.finish(ctx, st, map[string]any{"reason": "final_answer"})
		return o.resultOf(st, "任务完成", false), nil
	}

	// 确认闸门。
	capabilitySensitive := false
	if cap, found := o.registry.Get(decision.Action); found {
		capabilitySensitive = cap.Sensitive()
	}
	if required, reason := o.gate.Requires(decision.Action, decision.ActionInput, capabilitySensitive); required {
		pending := &session.PendingConfirmation{
			ID:     uuid.NewString(),
			Action: decision.Action,
			Args:   decision.ActionInput,
			Prompt: fmt.Sprintf("%s。是否执行 %s? (yes/no)", reason, decision.Action),
		}
		st.SetPendingConfirmation(pending)
		st.RequestHumanInput(pending.Prompt)
		o.setStatus(ctx, st, session.StatusAwaitingHumanInput)
		o.emit(ctx, audit.NewEvent(audit.EventConfirmationRequested, st.ID, st.Iteration, map[string]any{
			"confirmation_id": pending.ID,
			"action":          pending.Action,
			"reason":          reason,
		}))
		return o.resultOf(st, "敏感操作等待人工确认", true), nil
	}
	if !o.gate.humanInLoop && o.gate.WouldRequire(decision.Action, decision.ActionInput, capabilitySensitive) {
		o.emit(ctx, audit.NewEvent(audit.EventConfirmationBypassed, st.ID, st.Iteration, map[string]any{
			"action": decision.Action,
		}))
	}

	o.setStatus(ctx, st, session.StatusExecuting)
	return o.dispatch(ctx, st, decision.Action, decision.ActionInput), nil
}

// Run 反复推进会话直到进入终态或需要人工介入。
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (*StepResult, error) {
	var result *StepResult
	for {
		var err error
		result, err = o.Step(ctx, sessionID, "")
		if err != nil {
			return nil, err
		}
		if result.AwaitingInput || result.Status.Terminal() {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}
}

// handleHumanInput 处理用户输入。返回 done=true 表示本次 Step
// 到此为止 (批准执行或拒绝后重新规划除外)。
func (o *Orchestrator) handleHumanInput(ctx context.Context, st *session.State, input string) (bool, *StepResult) {
	st.AddMessage(session.RoleUser, input)
	o.emit(ctx, audit.NewEvent(audit.EventHumanInput, st.ID, st.Iteration, map[string]any{
		"input": preview(input),
	}))

	pending := st.PendingConfirmation
	if pending == nil {
		st.ClearHumanInput()
		if st.Status == session.StatusAwaitingHumanInput {
			o.setStatus(ctx, st, session.StatusPlanning)
		}
		return false, nil
	}

	st.ClearPendingConfirmation()
	st.ClearHumanInput()
	if o.gate.IsApproval(input) {
		o.setStatus(ctx, st, session.StatusExecuting)
		return true, o.dispatch(ctx, st, pending.Action, pending.Args)
	}

	st.AddMessage(session.RoleObservation,
		fmt.Sprintf("用户拒绝执行 %s，请调整计划或用 final_answer 结束任务。", pending.Action))
	if step := st.NextPendingStep(); step != nil {
		st.UpdateTaskStep(step.StepID, func(ts *session.TaskStep) {
			ts.Status = session.StepFailed
			ts.Error = "用户拒绝执行"
		})
	}
	o.setStatus(ctx, st, session.StatusPlanning)
	return true, o.resultOf(st, "用户拒绝执行，等待重新规划", false)
}

// callModel 调用大模型并登记 token 用量。每次 Step 恰好产生一对
// ModelRequest/ModelResponse 审计事件。
func (o *Orchestrator) callModel(ctx context.Context, st *session.State) (string, bool) {
	messages := buildModelMessages(st, o.registry.Names())
	o.emit(ctx, audit.NewEvent(audit.EventModelRequest, st.ID, st.Iteration, map[string]any{
		"message_count": len(messages),
	}))

	llmCtx := ctx
	if o.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, o.llmTimeout)
		defer cancel()
	}

	content, usage, err := o.llmClient.ChatCompletion(llmCtx, messages)
	if err != nil {
		o.emit(ctx, audit.NewEvent(audit.EventModelResponse, st.ID, st.Iteration, map[string]any{
			"error": err.Error(),
		}))
		o.failSession(ctx, st, fmt.Sprintf("模型调用失败: %v", err))
		return "", false
	}

	o.emit(ctx, audit.NewEvent(audit.EventModelResponse, st.ID, st.Iteration, map[string]any{
		"preview":      preview(content),
		"total_tokens": usage.TotalTokens,
	}))
	st.TokenUsage.Add(usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	st.AddMessage(session.RoleAssistant, content)
	return content, true
}

// dispatch 执行一次工具调用。名称或参数可修复时最多补救一次，
// 且无论补救与否，工具本体在一次请求内至多执行一次。
func (o *Orchestrator) dispatch(ctx context.Context, st *session.State, action string, args map[string]any) *StepResult {
	if args == nil {
		args = map[string]any{}
	}

	step := st.NextPendingStep()
	if step == nil {
		stepID := st.AddTaskStep(fmt.Sprintf("执行 %s", action))
		step = &st.TaskSteps[stepID-1]
	}
	st.UpdateTaskStep(step.StepID, func(ts *session.TaskStep) {
		ts.Status = session.StepRunning
		ts.CapabilityName = action
		ts.CapabilityArgs = args
	})

	o.emit(ctx, audit.NewEvent(audit.EventCapabilityStart, st.ID, st.Iteration, map[string]any{
		"action": action,
		"args":   args,
	}))

	start := time.Now()
	result, err := o.registry.Invoke(ctx, action, args)
	if err != nil {
		action, args, result, err = o.repairAndRetry(ctx, st, action, args, err)
	}
	duration := time.Since(start)

	rec := session.ExecutionRecord{
		Capability: action,
		Args:       args,
		Success:    err == nil && result.Success,
		DurationMS: duration.Milliseconds(),
	}
	details := map[string]any{
		"action":      action,
		"duration_ms": duration.Milliseconds(),
	}
	switch {
	case err != nil:
		rec.Error = err.Error()
		details["error"] = err.Error()
	case !result.Success:
		rec.Error = result.Error
		details["error"] = result.Error
	default:
		rec.Result = marshalOutput(result.Output)
		details["success"] = true
	}
	st.AddExecutionRecord(rec)
	o.emit(ctx, audit.NewEvent(audit.EventCapabilityResult, st.ID, st.Iteration, details))

	capResult := result
	if err != nil {
		capResult = capability.Result{Success: false, Error: err.Error()}
	}

	if err != nil || !result.Success {
		message := rec.Error
		st.UpdateTaskStep(step.StepID, func(ts *session.TaskStep) {
			ts.Status = session.StepFailed
			ts.Error = message
		})
		prompt := fmt.Sprintf("工具 %s 执行失败: %s\n可用工具: %s\n请人工给出下一步指示。",
			action, message, strings.Join(o.registry.Names(), ", "))
		st.AddMessage(session.RoleObservation, fmt.Sprintf("工具 %s 执行失败: %s", action, message))
		st.RequestHumanInput(prompt)
		o.setStatus(ctx, st, session.StatusAwaitingHumanInput)
		res := o.resultOf(st, "工具执行失败，等待人工介入", true)
		res.CapabilityResult = &capResult
		return res
	}

	output := marshalOutput(result.Output)
	st.UpdateTaskStep(step.StepID, func(ts *session.TaskStep) {
		ts.Status = session.StepCompleted
		ts.Result = output
	})
	st.AddMessage(session.RoleObservation, fmt.Sprintf("%s 执行成功: %s", action, output))
	o.setStatus(ctx, st, session.StatusReflecting)
	res := o.resultOf(st, fmt.Sprintf("工具 %s 执行成功", action), false)
	res.CapabilityResult = &capResult
	return res
}

// repairAndRetry 对未知工具名或缺失参数做一轮修复后重试。
// 修复不成立时原样返回首次错误。
func (o *Orchestrator) repairAndRetry(ctx context.Context, st *session.State, action string, args map[string]any, callErr error) (string, map[string]any, capability.Result, error) {
	switch apperrors.CodeOf(callErr) {
	case capability.CodeNotFound:
		inferred := inferCapability(action, args, o.registry.Names())
		if inferred == "" || inferred == action {
			return action, args, capability.Result{}, callErr
		}
		o.auditRepair(ctx, st, Correction{Kind: "capability", From: action, To: inferred})
		repairedArgs := args
		var corrections []Correction
		if cap, found := o.registry.Get(inferred); found {
			repairedArgs, corrections = repairArgs(cap, args)
			for _, c := range corrections {
				o.auditRepair(ctx, st, c)
			}
		}
		result, err := o.registry.Invoke(ctx, inferred, repairedArgs)
		return inferred, repairedArgs, result, err

	case capability.CodeMissingParameter:
		cap, found := o.registry.Get(action)
		if !found {
			return action, args, capability.Result{}, callErr
		}
		repaired, corrections := repairArgs(cap, args)
		if len(corrections) == 0 {
			return action, args, capability.Result{}, callErr
		}
		for _, c := range corrections {
			o.auditRepair(ctx, st, c)
		}
		result, err := o.registry.Invoke(ctx, action, repaired)
		return action, repaired, result, err
	}
	return action, args, capability.Result{}, callErr
}

func (o *Orchestrator) auditRepair(ctx context.Context, st *session.State, c Correction) {
	o.emit(ctx, audit.NewEvent(audit.EventRepairApplied, st.ID, st.Iteration, map[string]any{
		"kind": c.Kind,
		"from": c.From,
		"to":   c.To,
	}))
	logger.WithSession(st.ID).Info("自动修正", "kind", c.Kind, "from", c.From, "to", c.To)
}

// growPlan 把计划中的新步骤追加为任务步骤。
func (o *Orchestrator) growPlan(st *session.State, plan []string) {
	for i := len(st.TaskSteps); i < len(plan); i++ {
		st.AddTaskStep(plan[i])
	}
}

// setStatus 执行状态迁移并发出审计事件。非法迁移只记录日志，
// 不中断推理循环。
func (o *Orchestrator) setStatus(ctx context.Context, st *session.State, to session.Status) {
	from := st.Status
	if from == to {
		return
	}
	if err := st.SetStatus(to); err != nil {
		logger.WithSession(st.ID).Warn("状态迁移被拒绝", "from", from, "to", to, "error", err)
		return
	}
	o.emit(ctx, audit.NewEvent(audit.EventStateChange, st.ID, st.Iteration, map[string]any{
		"from": string(from),
		"to":   string(to),
	}))
}

// failSession 把会话置为 error 终态并归档。
func (o *Orchestrator) failSession(ctx context.Context, st *session.State, message string) {
	st.LastError = message
	o.setStatus(ctx, st, session.StatusError)
	o.emit(ctx, audit.NewEvent(audit.EventError, st.ID, st.Iteration, map[string]any{
		"message": message,
	}))
	o.finish(ctx, st, map[string]any{"reason": "error"})
}

// finish 在会话进入终态后发出完成事件并归档。
func (o *Orchestrator) finish(ctx context.Context, st *session.State, details map[string]any) {
	details["status"] = string(st.Status)
	details["iterations"] = st.Iteration
	o.emit(ctx, audit.NewEvent(audit.EventSessionComplete, st.ID, st.Iteration, details))

	if o.archiver != nil {
		if err := o.archiver.Save(ctx, st.Clone()); err != nil {
			logger.WithSession(st.ID).Error("会话归档失败", "error", err)
		}
	}
}

func (o *Orchestrator) emit(ctx context.Context, event audit.Event) {
	if err := o.auditSink.Emit(ctx, event); err != nil {
		logger.Named("agent").Warn("审计事件发送失败", "type", event.Type, "error", err)
	}
}

func (o *Orchestrator) resultOf(st *session.State, message string, awaiting bool) *StepResult {
	return &StepResult{
		SessionID:     st.ID,
		Status:        stepStatusOf(st.Status),
		Message:       message,
		AwaitingInput: awaiting,
		Prompt:        st.HumanPrompt,
		FinalAnswer:   st.FinalAnswer,
		Summary:       st.Summary(),
	}
}

func marshalOutput(output any) string {
	if output == nil {
		return ""
	}
	if s, ok := output.(string); ok {
		return s
	}
	encoded, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(encoded)
}
