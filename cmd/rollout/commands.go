// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	// dev command flags
	functionName         string
	httpPort             int
	grpcPort             int
	frontendPort         int
	workerCommand        string
	workerCommandArgs    []string
	externalPackages     []string
	dynamicImportsToSkip []string
	configFile           string
	logLevel             string

	// discover command flags
	discoverFile     string
	discoverModule   string
	discoverFunction string

	rootCmd = &cobra.Command{
		Use:   "rollout",
		Short: "A local development loop for rollout functions",
		Long: `rollout runs your agent entrypoint on demand from a remote
control plane, with hot reload on file changes and a record/replay
cache for deterministic, cheaper debugging.`,
		SilenceUsage: true,
	}

	devCmd = &cobra.Command{
		Use:   "dev <file|module>",
		Short: "Start a dev session for a rollout function",
		Long: `dev discovers the callable entrypoint in the given source file
(or logical module), opens a control channel to the backend, and executes
the function in an isolated worker whenever a run is requested. File
changes cancel the in-flight run and schedule a re-discovery before the
next one.`,
		Args: cobra.ExactArgs(1),
		RunE: runDevCommand,
	}

	discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "Print a callable's metadata for the given source",
		Long: `discover resolves the callable entrypoint of a source file and
prints its name and ordered parameter list as a prefix-delimited JSON
payload on stdout. This is the discovery surface other tools shell out to.`,
		RunE: runDiscoverCommand,
	}
)

func init() {
	devCmd.Flags().StringVar(&functionName, "function", "", "explicit rollout function name")
	devCmd.Flags().IntVar(&httpPort, "port", 0, "backend HTTP port override")
	devCmd.Flags().IntVar(&grpcPort, "grpc-port", 0, "backend gRPC port override")
	devCmd.Flags().IntVar(&frontendPort, "frontend-port", 0, "frontend port for the session URL")
	devCmd.Flags().StringVar(&workerCommand, "command", "", "worker launch command (default: rollout-worker)")
	devCmd.Flags().StringSliceVar(&workerCommandArgs, "command-args", nil, "extra arguments for the worker command")
	devCmd.Flags().StringSliceVar(&externalPackages, "external-packages", nil, "packages the worker loader treats as external")
	devCmd.Flags().StringSliceVar(&dynamicImportsToSkip, "dynamic-imports-to-skip", nil, "dynamic imports the worker loader skips")
	devCmd.Flags().StringVar(&configFile, "config", "", "config file path (default: ./rollout.yaml)")
	devCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	discoverCmd.Flags().StringVar(&discoverFile, "file", "", "source file to inspect")
	discoverCmd.Flags().StringVar(&discoverModule, "module", "", "logical module to inspect")
	discoverCmd.Flags().StringVar(&discoverFunction, "function", "", "explicit function name")

	rootCmd.AddCommand(devCmd)
	rootCmd.AddCommand(discoverCmd)
}
