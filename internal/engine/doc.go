// Package engine journals supervised task execution. It binds named runners
// into callables, submits them to the task supervisor, awaits their outcome
// with timeout enforcement, and records every lifecycle transition in the
// store, the event broker, and Prometheus metrics.
package engine
