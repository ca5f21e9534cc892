package main

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// parseOptionFlags turns repeated key=value flags into an options map.
// Values are decoded as YAML scalars or flow collections, so 3, true and
// [a, b] keep their types. Dotted keys build nested maps.
func parseOptionFlags(flags []string) (map[string]any, error) {
	out := make(map[string]any, len(flags))
	for _, f := range flags {
		key, raw, ok := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("option %q: want key=value", f)
		}

		var value any
		if raw != "" {
			if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
				value = raw
			}
		}
		if value == nil {
			value = raw
		}

		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = value
	}
	return out, nil
}

// mergeOptions deep-merges over onto base without modifying either.
func mergeOptions(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if om, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = mergeOptions(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
