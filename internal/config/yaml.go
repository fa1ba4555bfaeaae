package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// configJSON returns the config file's contents as JSON bytes. Files named
// *.yaml or *.yml are converted; anything else is taken to be JSON already.
// Funneling both formats through one strict JSON decode keeps the
// unknown-field and trailing-data checks in a single place.
func configJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse yaml %s: %w", path, err)
	}
	j, err := json.Marshal(stringifyKeys(v))
	if err != nil {
		return nil, fmt.Errorf("convert yaml %s: %w", path, err)
	}
	return j, nil
}

// stringifyKeys rewrites YAML's map[any]any nodes so the tree can be
// JSON-marshaled. Non-string keys (YAML allows them) become their string
// rendering; the daemon's schema only uses string keys anyway.
func stringifyKeys(v any) any {
	switch node := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[fmt.Sprint(k)] = stringifyKeys(child)
		}
		return out
	case map[string]any:
		for k, child := range node {
			node[k] = stringifyKeys(child)
		}
		return node
	case []any:
		for i, child := range node {
			node[i] = stringifyKeys(child)
		}
		return node
	default:
		return v
	}
}
