package trace

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Tracer is the main interface for emitting trace events.
type Tracer interface {
	// Emit records a trace event. Must be goroutine-safe.
	Emit(ev *Event)

	// Flush ensures all buffered events are written.
	Flush() error

	// Close flushes and releases resources.
	Close() error

	// Level returns the current tracing level.
	Level() Level

	// Enabled returns true if tracing is active (Level > LevelOff).
	Enabled() bool
}

type ctxKey struct{}

// FromContext returns the Tracer carried by ctx, Nop when there is none.
func FromContext(ctx context.Context) Tracer {
	if ctx == nil {
		return Nop
	}
	if t, ok := ctx.Value(ctxKey{}).(Tracer); ok {
		return t
	}
	return Nop
}

// WithTracer attaches t to ctx. A nil t stores Nop.
func WithTracer(ctx context.Context, t Tracer) context.Context {
	if t == nil {
		t = Nop
	}
	return context.WithValue(ctx, ctxKey{}, t)
}

// StorageMode determines how events are stored.
type StorageMode uint8

const (
	ModeStream StorageMode = iota + 1 // immediate write
	ModeRing                          // circular buffer
	ModeBoth                          // stream + ring
)

// String returns the string representation of StorageMode.
func (m StorageMode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeRing:
		return "ring"
	case ModeBoth:
		return "both"
	default:
		return "unknown"
	}
}

// ParseMode converts a string to StorageMode.
func ParseMode(s string) (StorageMode, error) {
	switch strings.ToLower(s) {
	case "stream":
		return ModeStream, nil
	case "ring":
		return ModeRing, nil
	case "both":
		return ModeBoth, nil
	default:
		return ModeRing, fmt.Errorf("invalid storage mode: %q (expected: stream|ring|both)", s)
	}
}

// Config holds tracer configuration.
type Config struct {
	Level      Level         // tracing level
	Mode       StorageMode   // storage mode
	Format     Format        // output format (FormatAuto for auto-detection)
	Output     io.Writer     // for stream mode (if nil, use OutputPath)
	OutputPath string        // alternative: file path ("-" for stderr)
	RingSize   int           // for ring mode (default 4096)
	Heartbeat  time.Duration // heartbeat interval (0 = disabled)
}

// New creates a Tracer based on Config.
func New(cfg Config) (Tracer, error) {
	if cfg.Level == LevelOff {
		return nopTracer{}, nil
	}

	// Default ring size
	if cfg.RingSize <= 0 {
		cfg.RingSize = 4096
	}

	format := cfg.Format
	if format == FormatAuto {
		format = FormatText
		if cfg.OutputPath != "" && cfg.OutputPath != "-" {
			switch {
			case strings.HasSuffix(cfg.OutputPath, ".ndjson"), strings.HasSuffix(cfg.OutputPath, ".json"):
				format = FormatNDJSON
			case strings.HasSuffix(cfg.OutputPath, ".mp"), strings.HasSuffix(cfg.OutputPath, ".msgpack"):
				format = FormatMsgpack
			}
		}
	}

	var tracer Tracer
	switch cfg.Mode {
	case ModeStream:
		w, err := openOutput(cfg)
		if err != nil {
			return nil, err
		}
		tracer = NewStreamTracer(w, cfg.Level, format)

	case ModeRing:
		tracer = NewRingTracer(cfg.RingSize, cfg.Level)

	case ModeBoth:
		w, err := openOutput(cfg)
		if err != nil {
			return nil, err
		}
		stream := NewStreamTracer(w, cfg.Level, format)
		ring := NewRingTracer(cfg.RingSize, cfg.Level)
		tracer = NewMultiTracer(cfg.Level, stream, ring)

	default:
		return nil, fmt.Errorf("unknown storage mode: %v", cfg.Mode)
	}

	if cfg.Heartbeat > 0 {
		return withHeartbeat(tracer, cfg.Heartbeat), nil
	}
	return tracer, nil
}

// heartbeatTracer stops its heartbeat goroutine on Close.
type heartbeatTracer struct {
	Tracer
	hb *Heartbeat
}

func withHeartbeat(t Tracer, interval time.Duration) Tracer {
	return &heartbeatTracer{Tracer: t, hb: StartHeartbeat(t, interval)}
}

// Close stops the heartbeat and closes the wrapped tracer.
func (t *heartbeatTracer) Close() error {
	t.hb.Stop()
	return t.Tracer.Close()
}

// Unwrap returns the tracer behind the heartbeat.
func (t *heartbeatTracer) Unwrap() Tracer { return t.Tracer }

// Ring returns the RingTracer reachable from t, if any.
func Ring(t Tracer) *RingTracer {
	switch v := t.(type) {
	case *RingTracer:
		return v
	case *MultiTracer:
		for _, inner := range v.tracers {
			if r := Ring(inner); r != nil {
				return r
			}
		}
	case interface{ Unwrap() Tracer }:
		return Ring(v.Unwrap())
	}
	return nil
}

// Point emits an instant event not bound to a context or thread.
func Point(t Tracer, scope Scope, name, detail string, kv ...string) {
	PointAt(t, Owner{}, scope, name, detail, kv...)
}

// PointAt emits an instant event owned by owner when scope is enabled at
// the tracer's level. kv holds key, value pairs for Extra.
func PointAt(t Tracer, owner Owner, scope Scope, name, detail string, kv ...string) {
	if t == nil || !t.Enabled() || !t.Level().ShouldEmit(scope) {
		return
	}
	ev := &Event{
		Time:   time.Now(),
		Kind:   KindPoint,
		Scope:  scope,
		Owner:  owner,
		Name:   name,
		Detail: detail,
	}
	if len(kv) > 1 {
		ev.Extra = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			ev.Extra[kv[i]] = kv[i+1]
		}
	}
	t.Emit(ev)
}

// openOutput opens the output writer from config.
func openOutput(cfg Config) (io.Writer, error) {
	if cfg.Output != nil {
		return cfg.Output, nil
	}

	if cfg.OutputPath == "" || cfg.OutputPath == "-" {
		return os.Stderr, nil
	}

	// #nosec G304 -- trace path comes from the command line

	f, err := os.Create(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace output: %w", err)
	}

	return f, nil
}

func isStdStream(w io.Writer) bool {
	return w == os.Stderr || w == os.Stdout
}
