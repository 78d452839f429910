// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker spawns and supervises the rollout worker subprocess.
//
// Exactly one worker may be active at a time. The manager feeds the worker
// a single JSON configuration line on stdin, parses framed messages off its
// stdout (ordinary output passes through untouched), and can forcibly
// terminate it, both for explicit stop events and for hot-reload
// cancellation. All exec interaction goes through the Executor interface so
// the orchestrator is testable without real processes.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/AleutianAI/RolloutLocal/internal/protocol"
)

// Sentinel errors for run outcomes the orchestrator branches on.
var (
	// ErrRunInFlight is returned when Execute is called while a worker
	// is already active. Runs are dropped, never queued.
	ErrRunInFlight = errors.New("a run is already in flight")

	// ErrKilled is returned when the worker was forcibly terminated
	// before producing a result.
	ErrKilled = errors.New("worker was killed")

	// ErrNoResult is returned when the worker exited zero without ever
	// emitting a result frame, an incomplete protocol exchange.
	ErrNoResult = errors.New("worker exited without a result frame")
)

// RunError is a failure reported by the worker itself, either through an
// error frame or a non-zero exit.
type RunError struct {
	Message  string
	Stack    string
	ExitCode int
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("worker error: %s\n%s", e.Message, e.Stack)
	}
	return fmt.Sprintf("worker error: %s", e.Message)
}

// Executor is the subprocess-manager contract the orchestrator depends on.
//
// Thread Safety: Implementations must be safe for concurrent use; Kill and
// IsRunning are called from the watcher and control-channel goroutines
// while Execute blocks in the orchestrator.
type Executor interface {
	// Execute spawns the worker, writes the config line, and blocks
	// until the run resolves. Returns the result frame's payload on
	// success. A second call while a run is active returns
	// ErrRunInFlight without spawning anything.
	Execute(ctx context.Context, command string, args []string, cfg protocol.WorkerConfig) (json.RawMessage, error)

	// Kill forcibly terminates the active worker. Idempotent,
	// non-blocking, and safe to call when no worker is running.
	Kill()

	// IsRunning reports the single-flight state.
	IsRunning() bool
}

// Runner is the production Executor backed by os/exec.
type Runner struct {
	logger *slog.Logger

	// output receives the worker's pass-through (non-frame) stdout
	// lines. Defaults to os.Stdout.
	output io.Writer

	mu      sync.Mutex
	running bool
	killed  bool
	cmd     *exec.Cmd
}

// NewRunner creates a Runner. A nil logger uses slog.Default(); a nil
// output writes pass-through worker output to os.Stdout.
func NewRunner(logger *slog.Logger, output io.Writer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if output == nil {
		output = os.Stdout
	}
	return &Runner{
		logger: logger.With("component", "worker_runner"),
		output: output,
	}
}

// Execute implements Executor.
func (r *Runner) Execute(ctx context.Context, command string, args []string, cfg protocol.WorkerConfig) (json.RawMessage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = append(os.Environ(), flattenEnv(cfg.Env)...)

	// Check-and-commit under one lock hold: the gap between "is a run
	// active" and "set active" is where a lost update would let two
	// workers race.
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrRunInFlight
	}
	r.running = true
	r.killed = false
	r.cmd = cmd
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.cmd = nil
		r.mu.Unlock()
	}()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	cmd.Stderr = newLineWriter(func(line string) {
		r.logger.Debug("worker stderr", "line", line)
	})

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker %q: %w", command, err)
	}
	r.logger.Info("worker started", "command", command, "pid", cmd.Process.Pid)

	// A kill that landed between the commit above and Start had no
	// process to signal; honor it now.
	r.mu.Lock()
	pendingKill := r.killed
	r.mu.Unlock()
	if pendingKill {
		_ = cmd.Process.Kill()
	}

	// One JSON line, then EOF. A worker that dies before reading makes
	// the write fail with EPIPE; the exit handling below covers that.
	if err := writeConfigLine(stdin, cfg); err != nil {
		r.logger.Warn("failed writing worker config", "error", err)
	}

	var (
		result   json.RawMessage
		frameErr *RunError
		protoErr error
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		frame, isFrame, err := protocol.ParseFrame(line)
		if err != nil {
			// Malformed frame: a protocol error, resolved below as a
			// worker failure. Keep draining so the child can exit.
			if protoErr == nil {
				protoErr = err
			}
			r.logger.Warn("malformed worker frame", "error", err)
			continue
		}
		if !isFrame {
			fmt.Fprintln(r.output, line)
			continue
		}

		switch frame.Type {
		case protocol.FrameLog:
			r.logger.Info("worker log", "level", frame.Level, "message", frame.Message)
		case protocol.FrameResult:
			result = frame.Result
		case protocol.FrameError:
			frameErr = &RunError{Message: frame.Message, Stack: frame.Stack}
		}
	}

	waitErr := cmd.Wait()

	r.mu.Lock()
	killed := r.killed
	r.mu.Unlock()

	// Resolution order matters: a result that landed before a racing
	// kill or exit error is still a completed run, and there is exactly
	// one completion per execution.
	switch {
	case result != nil && frameErr == nil && protoErr == nil && waitErr == nil:
		r.logger.Info("worker finished", "command", command)
		return result, nil
	case killed:
		return nil, ErrKilled
	case frameErr != nil:
		return nil, frameErr
	case protoErr != nil:
		return nil, fmt.Errorf("worker protocol error: %w", protoErr)
	case waitErr != nil:
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &RunError{
			Message:  fmt.Sprintf("worker exited abnormally: %v", waitErr),
			ExitCode: exitCode,
		}
	default:
		return nil, ErrNoResult
	}
}

// Kill implements Executor.
func (r *Runner) Kill() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.killed = true
	if r.cmd == nil || r.cmd.Process == nil {
		// The run is claimed but the process has not started yet. The
		// flag stays set; Execute honors it right after Start.
		return
	}
	if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.logger.Warn("failed to kill worker", "error", err)
	} else {
		r.logger.Info("worker killed", "pid", r.cmd.Process.Pid)
	}
}

// IsRunning implements Executor.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// writeConfigLine encodes the config as one JSON line and closes stdin.
func writeConfigLine(stdin io.WriteCloser, cfg protocol.WorkerConfig) error {
	defer stdin.Close()

	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode worker config: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := stdin.Write(payload); err != nil {
		return fmt.Errorf("write worker config: %w", err)
	}
	return nil
}

// flattenEnv renders an env map as KEY=VALUE pairs.
func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// lineWriter adapts a per-line callback into an io.Writer, buffering
// partial writes until a newline arrives.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(string)
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

// Write implements io.Writer.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line: put it back and wait for more.
			w.buf.WriteString(line)
			break
		}
		w.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// Compile-time interface compliance check.
var _ Executor = (*Runner)(nil)
