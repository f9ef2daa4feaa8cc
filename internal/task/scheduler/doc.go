// Package scheduler turns cadences into triggers.
//
// A single loop goroutine evaluates every registered schedule against the
// injected clock in the reference timezone and hands due runs to the task
// engine without blocking. Execution, overlap control, and timeouts are the
// engine's job.
package scheduler
