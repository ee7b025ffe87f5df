package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// A config file may pull other files in with a $include directive, either a
// single path or a list. Includes resolve relative to the including file and
// are merged depth-first; the including file wins on key conflicts.
const includeKey = "$include"

func loadMerged(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	return resolveFile(path, nil)
}

// resolveFile reads one file, expands environment variables, and folds its
// include chain into a single document. stack holds the paths currently
// being resolved, for cycle detection.
func resolveFile(path string, stack []string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	for _, parent := range stack {
		if parent == abs {
			return nil, fmt.Errorf("config: include cycle through %s", abs)
		}
	}
	stack = append(stack, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", abs, err)
	}
	doc, err := decodeDocument([]byte(os.ExpandEnv(string(data))), abs)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", abs, err)
	}

	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := resolveFile(inc, stack)
		if err != nil {
			return nil, err
		}
		merged = overlay(merged, sub)
	}
	return overlay(merged, doc), nil
}

// decodeDocument parses YAML, or JSON5 when the extension says so.
func decodeDocument(data []byte, path string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// popIncludes removes the $include directive from doc and returns its paths.
func popIncludes(doc map[string]any) ([]string, error) {
	val, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var raw []any
	switch typed := val.(type) {
	case string:
		raw = []any{typed}
	case []any:
		raw = typed
	default:
		return nil, fmt.Errorf("%s must be a path or list of paths", includeKey)
	}

	paths := make([]string, 0, len(raw))
	for _, entry := range raw {
		p, ok := entry.(string)
		if !ok || strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%s entries must be non-empty paths", includeKey)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// overlay deep-merges src over dst: nested maps merge key by key, anything
// else in src replaces the dst value.
func overlay(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = overlay(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeStrict maps the merged document onto Config, rejecting unknown keys.
func decodeStrict(doc map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config: reserialize: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}
