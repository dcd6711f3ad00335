package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// parseParametersFile reads a JSON object of run parameters from path,
// or returns nil if path is empty (no -p/--parameters flag given).
func parseParametersFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameters file %s: %w", path, err)
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parse parameters file %s: %w", path, err)
	}
	return params, nil
}
