// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// rollout-worker is the bundled Go reference worker.
//
// The parent writes exactly one JSON config line to stdin and then reads
// framed messages off stdout. The worker interprets the target Go source
// file with yaegi, invokes the selected callable with the configured
// arguments, and resolves the run with a result or error frame before
// exiting 0 or 1 respectively.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/RolloutLocal/internal/protocol"
)

func main() {
	os.Exit(run(os.Stdin, os.Stdout))
}

// run drives one invocation and returns the process exit code. Frames are
// the only structured channel back to the parent, so every failure path
// emits an error frame before returning non-zero.
func run(stdin io.Reader, stdout io.Writer) int {
	emitter := newEmitter(stdout)

	// A stop from the parent is a hard kill in the normal case; signals
	// only arrive when something else terminates us, so flush a frame
	// explaining the early exit while we still can.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigs
		emitter.Error(fmt.Sprintf("worker terminated by signal %s", sig), "")
		os.Exit(1)
	}()

	cfg, err := readConfig(stdin)
	if err != nil {
		emitter.Error(err.Error(), "")
		return 1
	}
	if err := cfg.Validate(); err != nil {
		emitter.Error(err.Error(), "")
		return 1
	}
	for k, v := range cfg.Env {
		if err := os.Setenv(k, v); err != nil {
			emitter.Error(fmt.Sprintf("set env %s: %v", k, err), "")
			return 1
		}
	}

	result, err := invoke(context.Background(), cfg)
	if err != nil {
		var ie *invokeError
		if ok := asInvokeError(err, &ie); ok {
			emitter.Error(ie.Message, ie.Stack)
		} else {
			emitter.Error(err.Error(), "")
		}
		return 1
	}

	emitter.Result(result)
	return 0
}

// readConfig reads the single configuration line the parent writes before
// closing stdin. A stream that closes first is a protocol violation.
func readConfig(r io.Reader) (protocol.WorkerConfig, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return protocol.WorkerConfig{}, fmt.Errorf("read worker config: %w", err)
		}
		return protocol.WorkerConfig{}, fmt.Errorf("stdin closed before a config line was received")
	}

	var cfg protocol.WorkerConfig
	if err := json.Unmarshal(scanner.Bytes(), &cfg); err != nil {
		return protocol.WorkerConfig{}, fmt.Errorf("decode worker config: %w", err)
	}
	return cfg, nil
}

// emitter serializes protocol frames onto stdout.
type emitter struct {
	out io.Writer
}

func newEmitter(out io.Writer) *emitter {
	return &emitter{out: out}
}

func (e *emitter) Result(result json.RawMessage) {
	e.emit(protocol.Frame{Type: protocol.FrameResult, Result: result})
}

func (e *emitter) Error(message, stack string) {
	e.emit(protocol.Frame{Type: protocol.FrameError, Message: message, Stack: stack})
}

func (e *emitter) emit(f protocol.Frame) {
	line, err := protocol.EncodeFrame(f)
	if err != nil {
		// Nothing structured left to say; stderr reaches the parent's
		// debug log.
		fmt.Fprintf(os.Stderr, "encode frame: %v\n", err)
		return
	}
	fmt.Fprintln(e.out, line)
}
