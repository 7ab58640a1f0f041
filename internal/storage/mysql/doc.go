// Package mysql provides the session archive backed by MySQL, plus a
// JSONL file implementation for single-node deployments. It also owns
// the embedded schema migration runner.
package mysql
