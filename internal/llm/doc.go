// Package llm defines the chat-completion contract used by the agent
// runtime and the shared message/usage types. Provider adapters live in
// sub-packages and own their retry behaviour.
package llm
