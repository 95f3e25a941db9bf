// ============================================================================
// proxy-suite Executor Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the pluggable capability that actually runs one task.
//
// Motivation:
//   The scheduler only moves tasks around. Fetching a source or probing a
//   candidate lives behind Executor so a simulated implementation and a
//   real network implementation can be swapped without touching the pool.
//
// ============================================================================

package worker

import (
	"context"
)

// Executor runs a single task.
//
// Contract:
//   - Exactly one terminal event per task: a Result or an error.
//   - No internal retries.
//   - ctx is cancelled when the batch is stopped or the per-task timeout
//     expires; implementations must return promptly when it is.
type Executor interface {
	Execute(ctx context.Context, task Task) (Result, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (Result, error)

// Execute calls f(ctx, task).
func (f ExecutorFunc) Execute(ctx context.Context, task Task) (Result, error) {
	return f(ctx, task)
}
