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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/RolloutLocal/internal/discovery"
	"github.com/AleutianAI/RolloutLocal/internal/protocol"
)

// runDiscoverCommand resolves a callable and prints its metadata as a
// prefix-delimited JSON line. Other tools shell out to this and scan for
// the prefix, so diagnostic output before or after it is harmless.
func runDiscoverCommand(cmd *cobra.Command, _ []string) error {
	if (discoverFile == "") == (discoverModule == "") {
		return fmt.Errorf("exactly one of --file or --module is required")
	}
	if discoverModule != "" {
		// The Go surface resolves source files; logical-module targets
		// belong to the language runtime that registered them.
		return fmt.Errorf("module discovery is not supported by the Go discovery surface; pass --file")
	}

	callables, _, err := discovery.ListCallables(discoverFile)
	if err != nil {
		return err
	}
	selected, err := discovery.SelectCallable(callables, discoverFunction)
	if err != nil {
		return err
	}

	meta := discovery.Metadata{
		Name:   selected.Name,
		Params: selected.Params,
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), protocol.MetadataPrefix+string(payload))
	return nil
}
