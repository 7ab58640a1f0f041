// Package agent 实现安全分析代理的推理编排器。它驱动
// 思考-行动-观察 循环：解析大模型输出为结构化决策，经确认闸门
// 过滤敏感操作，调度工具执行，并把观察结果回灌到会话上下文。
// 解析与参数修复的容错策略也集中在本包。
package agent
