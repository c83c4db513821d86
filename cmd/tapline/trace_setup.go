package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tapline/internal/trace"
)

// setupTracing reads trace settings from tapline.toml, lets explicit flags
// override them and installs the tracer in the command context.
func setupTracing(cmd *cobra.Command) (func(), error) {
	flags := cmd.Root().PersistentFlags()
	tc := configFrom(cmd).Trace

	traceOutput := tc.Output
	if flags.Changed("trace") || traceOutput == "" {
		v, err := flags.GetString("trace")
		if err != nil {
			return nil, fmt.Errorf("failed to get trace flag: %w", err)
		}
		traceOutput = v
	}
	levelStr := tc.Level
	if flags.Changed("trace-level") || levelStr == "" {
		v, err := flags.GetString("trace-level")
		if err != nil {
			return nil, fmt.Errorf("failed to get trace-level flag: %w", err)
		}
		levelStr = v
	}
	modeStr := tc.Mode
	if flags.Changed("trace-mode") || modeStr == "" {
		v, err := flags.GetString("trace-mode")
		if err != nil {
			return nil, fmt.Errorf("failed to get trace-mode flag: %w", err)
		}
		modeStr = v
	}
	formatStr := tc.Format
	if flags.Changed("trace-format") || formatStr == "" {
		v, err := flags.GetString("trace-format")
		if err != nil {
			return nil, fmt.Errorf("failed to get trace-format flag: %w", err)
		}
		formatStr = v
	}
	ringSize := tc.RingSize
	if flags.Changed("trace-ring-size") || ringSize == 0 {
		v, err := flags.GetInt("trace-ring-size")
		if err != nil {
			return nil, fmt.Errorf("failed to get trace-ring-size flag: %w", err)
		}
		ringSize = v
	}
	heartbeatInterval := tc.Heartbeat.Duration
	if flags.Changed("trace-heartbeat") {
		v, err := flags.GetDuration("trace-heartbeat")
		if err != nil {
			return nil, fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
		}
		heartbeatInterval = v
	}

	level, err := trace.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid trace level: %w", err)
	}
	if level == trace.LevelOff && traceOutput == "" {
		cmd.SetContext(trace.WithTracer(cmd.Context(), trace.Nop))
		return func() {}, nil
	}
	mode, err := trace.ParseMode(modeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid trace mode: %w", err)
	}
	format, err := trace.ParseFormat(formatStr)
	if err != nil {
		return nil, err
	}

	tracer, err := trace.New(trace.Config{
		Level:      level,
		Mode:       mode,
		Format:     format,
		OutputPath: traceOutput,
		RingSize:   ringSize,
		Heartbeat:  heartbeatInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	cmd.SetContext(trace.WithTracer(cmd.Context(), tracer))

	return func() {
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: flush error: %v\n", err)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: close error: %v\n", err)
		}
	}, nil
}
