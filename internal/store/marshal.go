package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/evolve/internal/ir"
)

// marshalList converts a string list to canonical JSON TEXT for storage.
// nil and empty lists are both stored as "[]".
func marshalList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := ir.MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

// unmarshalList parses a JSON TEXT list. "[]" decodes to nil so that
// round trips match components built in memory.
func unmarshalList(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	return list, nil
}
