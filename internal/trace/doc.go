// Package trace provides the tracing subsystem of the tapline engine.
//
// The trace package records engine and context lifecycle, safepoint traffic
// and probe materialization to help diagnose hangs and lost notifications.
//
// # Usage
//
// Enable tracing via command-line flags:
//
//	tapline run --trace=- --trace-level=lifecycle script.tl
//
// # Architecture
//
// The package provides several tracer implementations:
//
//   - NopTracer: Zero-overhead no-op tracer when disabled
//   - StreamTracer: Immediate write to output (file/stderr)
//   - RingTracer: Circular buffer for crash dumps
//   - MultiTracer: Combines multiple tracers
//
// # Levels
//
//   - LevelOff: No tracing
//   - LevelError: Only crash dumps
//   - LevelLifecycle: Engine and context state transitions
//   - LevelDetail: Safepoint actions and thread enter/leave
//   - LevelDebug: Everything including probe insertion
//
// # Scopes
//
//   - ScopeEngine: engine and context creation/close
//   - ScopeContext: state transitions, safepoint submissions
//   - ScopeThread: thread enter/leave, polls that ran actions
//   - ScopeProbe: probe insertion/removal, binding attach/dispose
//
// # Context Propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopeContext, "pause", trace.Owner{Context: id}, nil)
//	defer span.End("")
//
// Events carry the context and thread they belong to, so a ring dump after a
// failure can be narrowed to one context with OwnedBy.
package trace
