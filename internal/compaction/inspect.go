package compaction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// DefaultQuery selects the telemetry record
const DefaultQuery = "." + MetadataKey

// QueryMetadata runs a jq expression over session metadata and returns every result.
// The metadata is normalized through JSON first so in-memory ints and decoded
// float64s look the same to the query.
func QueryMetadata(meta map[string]any, query string) ([]any, error) {
	if strings.TrimSpace(query) == "" {
		query = DefaultQuery
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq query: %w", err)
	}

	input, err := normalize(meta)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := parsed.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq error: %w", err)
		}
		results = append(results, v)
	}
	return results, nil
}

// FormatQueryResults renders results one per line; compact disables indentation
func FormatQueryResults(results []any, compact bool) (string, error) {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		var b []byte
		var err error
		if compact {
			b, err = json.Marshal(r)
		} else {
			b, err = json.MarshalIndent(r, "", "  ")
		}
		if err != nil {
			return "", fmt.Errorf("failed to encode result: %w", err)
		}
		lines = append(lines, string(b))
	}
	return strings.Join(lines, "\n"), nil
}

func normalize(meta map[string]any) (any, error) {
	if meta == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return out, nil
}
