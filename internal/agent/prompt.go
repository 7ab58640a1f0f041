package agent

import (
	"fmt"
	"strings"

	"github.com/si1ence90/SecAgentCore/internal/capability"
	"github.com/si1ence90/SecAgentCore/internal/knowledge"
	"github.com/si1ence90/SecAgentCore/internal/llm"
	"github.com/si1ence90/SecAgentCore/internal/session"
)

// observationPrefix 提示模型该消息是工具执行产出而非用户发言。
const observationPrefix = "[工具执行结果] "

// formatReminder 附加在每轮请求末尾，约束模型输出格式。
const formatReminder = "请严格以 JSON 对象回复: " +
	`{"thought": string, "plan": [string], "action": string, "action_input": object}。` +
	`任务完成时 action 填 "final_answer" 并在 action_input.answer 给出结论。不要输出 JSON 以外的内容。`

// buildSystemPrompt 生成会话首条 system 消息，包含可用工具清单
// 与知识库检索到的参考内容。
func buildSystemPrompt(schemas []capability.Schema, snippets []knowledge.Snippet) string {
	var b strings.Builder
	b.WriteString("你是一名网络安全分析助手，通过 思考-行动-观察 循环完成用户的安全分析任务。\n")
	b.WriteString("每一轮先给出 thought 与 plan，再从工具清单中选择一个 action 执行。\n\n")

	b.WriteString("## 可用工具\n")
	for _, schema := range schemas {
		fmt.Fprintf(&b, "- %s: %s\n", schema.Name, schema.Description)
		for _, param := range schema.Parameters {
			required := "可选"
			if param.Required {
				required = "必填"
			}
			fmt.Fprintf(&b, "  - %s (%s, %s): %s\n", param.Name, param.Type, required, param.Description)
		}
	}

	if len(snippets) > 0 {
		b.WriteString("\n## 参考知识\n")
		for _, snippet := range snippets {
			fmt.Fprintf(&b, "- %s: %s\n", snippet.Title, snippet.Content)
		}
	}

	b.WriteString("\n" + formatReminder)
	return b.String()
}

// buildReminder 生成末尾提醒：输出格式约束加当前可用的工具名，
// 防止模型在多轮之后虚构不存在的 action。
func buildReminder(names []string) string {
	if len(names) == 0 {
		return formatReminder
	}
	return formatReminder + "\n当前可用工具: " + strings.Join(names, ", ")
}

// buildModelMessages 把会话历史转换为模型请求。observation 消息
// 加上前缀折叠为 user 角色，并在末尾追加格式提醒与工具名清单。
func buildModelMessages(st *session.State, capabilityNames []string) []llm.Message {
	messages := make([]llm.Message, 0, len(st.Messages)+1)
	for _, msg := range st.Messages {
		switch msg.Role {
		case session.RoleObservation:
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: observationPrefix + msg.Content,
			})
		case session.RoleSystem:
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: msg.Content})
		case session.RoleAssistant:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: msg.Content})
		default:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: msg.Content})
		}
	}
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: buildReminder(capabilityNames)})
	return messages
}
