// Package api 暴露 REST 接口：创建与推进分析会话、查询工具清单和历史归档，
// 并挂载 /metrics 与 /healthz 运维端点。
package api
