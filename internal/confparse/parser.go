// Package confparse assembles free-form settings from environment variables,
// files, inline JSON and key=value flags. The run context attached to reports
// and the upload and webhook settings are all built this way.
package confparse

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variable prefixes
const (
	EnvContext = "HARNESS_CONTEXT"
	EnvUpload  = "HARNESS_UPLOAD_CONFIG"
	EnvWebhook = "HARNESS_WEBHOOK_CONFIG"
)

// Sources lists where a value may come from. Later sources take precedence:
// environment, then file, then JSON, then key=value pairs.
type Sources struct {
	EnvPrefix string
	File      string
	JSON      string
	Pairs     []string
}

// Value infers the type of a flag or environment value. Integers win over
// floats, and only the literals true and false become booleans.
func Value(raw string) any {
	raw = strings.TrimSpace(raw)
	if i, err := strconv.Atoi(raw); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}

// ParseKV splits a key=value pair and infers the value's type
func ParseKV(pair string) (string, any, error) {
	key, raw, ok := strings.Cut(pair, "=")
	if !ok {
		return "", nil, fmt.Errorf("invalid format, expected key=value: %s", pair)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", nil, fmt.Errorf("empty key in key=value pair")
	}
	return key, Value(raw), nil
}

// ParseJSON decodes any JSON value
func ParseJSON(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return v, nil
}

// ParseFile reads a JSON file, or a YAML file when the extension says so
func ParseFile(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var v any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
		if v == nil {
			return nil, fmt.Errorf("empty YAML document in %s", path)
		}
	default:
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
		}
	}
	return v, nil
}

// ParseEnv collects PREFIX (a JSON object) and PREFIX_<KEY> variables. Keys
// are lower-cased; PREFIX_<KEY> overrides the same key from the JSON object.
// Invalid JSON in PREFIX is ignored.
func ParseEnv(prefix string) map[string]any {
	out := make(map[string]any)

	if s := os.Getenv(prefix); s != "" {
		if v, err := ParseJSON(s); err == nil {
			if m, ok := v.(map[string]any); ok {
				maps.Copy(out, m)
			}
		}
	}

	envPrefix := prefix + "_"
	for _, kv := range os.Environ() {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, envPrefix))
		if key == "" {
			continue
		}
		out[key] = Value(raw)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// Merge overlays objects left to right. A non-object value is returned as-is
// only when nothing came before it.
func Merge(values ...any) any {
	out := make(map[string]any)
	for _, v := range values {
		switch m := v.(type) {
		case nil:
		case map[string]any:
			maps.Copy(out, m)
		default:
			if len(out) == 0 {
				return m
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Build merges every source in precedence order
func Build(src Sources) (any, error) {
	var values []any

	if src.EnvPrefix != "" {
		if env := ParseEnv(src.EnvPrefix); env != nil {
			values = append(values, env)
		}
	}

	if src.File != "" {
		v, err := ParseFile(src.File)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	if src.JSON != "" {
		v, err := ParseJSON(src.JSON)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	if len(src.Pairs) > 0 {
		pairs := make(map[string]any, len(src.Pairs))
		for _, p := range src.Pairs {
			k, v, err := ParseKV(p)
			if err != nil {
				return nil, err
			}
			pairs[k] = v
		}
		values = append(values, pairs)
	}

	return Merge(values...), nil
}

// BuildStrings merges every source and flattens the result to strings, as
// provider settings expect. The merged value must be an object.
func BuildStrings(src Sources) (map[string]string, error) {
	v, err := Build(src)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return map[string]string{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("settings must be an object, got %T", v)
	}

	out := make(map[string]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case string:
			out[k] = t
		case map[string]any, []any:
			data, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("setting %s: %w", k, err)
			}
			out[k] = string(data)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out, nil
}
