package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	yaml "go.yaml.in/yaml/v3"
)

// toJSON normalizes a config file to plain JSON for the strict decoder.
// .yaml and .yml are YAML; everything else is JSON that may carry
// comments and trailing commas.
func toJSON(path string, raw []byte) (doc []byte, format string, err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var tree any
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return nil, "yaml", err
		}
		if tree == nil {
			return []byte("{}"), "yaml", nil
		}
		doc, err = json.Marshal(stringKeys(tree))
		return doc, "yaml", err
	default:
		return jsonc.ToJSON(raw), "json", nil
	}
}

// stringKeys rewrites map[any]any nodes, which encoding/json rejects.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
		return n
	default:
		return node
	}
}

// ParseDurationOrDefault reads a Go duration string for the config key
// at path. Blank or zero yields def; negative values are rejected.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
