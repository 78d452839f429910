// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package discovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/RolloutLocal/internal/protocol"
)

// ExtractMetadataFromStdout parses a discovery subcommand's combined
// output into Metadata.
//
// Description:
//
//	Discovery subcommands interleave ordinary log lines with the
//	structured payload, and some runtimes flush logs on the same line as
//	the final payload. The extraction therefore has to be resilient:
//
//	 1. Scan for every occurrence of the metadata prefix. If there are
//	    none, fall back to parsing the entire output as JSON (older
//	    subcommands printed the bare object).
//	 2. For each occurrence, first try parsing the text up to the next
//	    newline as JSON. If that fails, fall back to a string- and
//	    escape-aware brace/bracket-depth scan for the first complete
//	    balanced JSON value starting at the occurrence.
//	 3. The last successfully parsed payload wins.
//
// Outputs:
//   - Metadata: The parsed payload.
//   - error: Non-nil when no occurrence (or the whole output, in the
//     fallback case) yields valid JSON.
func ExtractMetadataFromStdout(output string) (Metadata, error) {
	occurrences := prefixOccurrences(output, protocol.MetadataPrefix)

	if len(occurrences) == 0 {
		var meta Metadata
		if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &meta); err != nil {
			return Metadata{}, fmt.Errorf(
				"no %q payload found and output is not bare JSON: %w",
				protocol.MetadataPrefix, err)
		}
		return meta, nil
	}

	var (
		last  Metadata
		found bool
	)
	for _, start := range occurrences {
		candidate := output[start+len(protocol.MetadataPrefix):]

		// Fast path: payload ends at the newline.
		line := candidate
		if nl := strings.IndexByte(line, '\n'); nl >= 0 {
			line = line[:nl]
		}
		var meta Metadata
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &meta); err == nil {
			last, found = meta, true
			continue
		}

		// Slow path: logs were flushed onto the payload line, or the
		// payload spans lines. Depth-scan for the first balanced value.
		value, ok := balancedJSONValue(candidate)
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(value), &meta); err == nil {
			last, found = meta, true
		}
	}

	if !found {
		return Metadata{}, fmt.Errorf(
			"found %d %q occurrence(s) but none carried valid JSON",
			len(occurrences), protocol.MetadataPrefix)
	}
	return last, nil
}

// prefixOccurrences returns the byte offsets of every occurrence of prefix.
func prefixOccurrences(s, prefix string) []int {
	var offsets []int
	for from := 0; ; {
		i := strings.Index(s[from:], prefix)
		if i < 0 {
			return offsets
		}
		offsets = append(offsets, from+i)
		from += i + len(prefix)
	}
}

// balancedJSONValue extracts the first complete JSON object or array at
// the start of s (leading whitespace allowed). The scan understands string
// literals and escape sequences, so braces inside strings do not count.
func balancedJSONValue(s string) (string, bool) {
	start := 0
	for start < len(s) && (s[start] == ' ' || s[start] == '\t' || s[start] == '\r' || s[start] == '\n') {
		start++
	}
	if start >= len(s) || (s[start] != '{' && s[start] != '[') {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
			if depth < 0 {
				return "", false
			}
		}
	}
	return "", false
}
