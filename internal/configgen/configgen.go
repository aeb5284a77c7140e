// Package configgen turns a connector specification into a starter config
// file: every field present, marked required_value or optional_value.
package configgen

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"airbridge/internal/fetch"
)

// Placeholder values written into the starter config.
const (
	RequiredValue = "required_value"
	OptionalValue = "optional_value"
)

// spec is the subset of a connector specification the generator reads.
type spec struct {
	ConnectionSpecification map[string]any `json:"connectionSpecification" yaml:"connectionSpecification"`
}

// Generate fetches the connector spec at ref, extracts its fields and
// writes the starter config. outputPath may be empty (derive from the spec
// title in the working directory) or a directory (derive the name inside
// it). It returns the path written.
func Generate(ctx context.Context, f fetch.Fetcher, ref, outputPath string) (string, error) {
	data, err := f.Fetch(ctx, ref)
	if err != nil {
		return "", err
	}

	parsed, err := parseSpec(ref, data)
	if err != nil {
		return "", err
	}
	conn := parsed.ConnectionSpecification
	if conn == nil {
		return "", fmt.Errorf("spec %s has no connectionSpecification", ref)
	}

	title, _ := conn["title"].(string)
	fields := ExtractFields(conn, stringSlice(conn["required"]))

	path := resolveOutputPath(outputPath, title)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating output directory %s: %w", dir, err)
		}
	}
	body, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding starter config: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("writing starter config %s: %w", path, err)
	}
	return path, nil
}

// parseSpec decodes the spec content. YAML refs by extension, JSON
// otherwise.
func parseSpec(ref string, data []byte) (spec, error) {
	var s spec
	if strings.HasSuffix(ref, ".yaml") || strings.HasSuffix(ref, ".yml") {
		if err := yaml.Unmarshal(data, &s); err != nil {
			return spec{}, fmt.Errorf("parsing spec %s: %w", ref, err)
		}
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return spec{}, fmt.Errorf("parsing spec %s: %w", ref, err)
	}
	return s, nil
}

// ExtractFields walks a JSON-schema fragment and maps each property to its
// placeholder. Nested objects recurse with their own required list; oneOf
// alternatives merge into a single combined object.
func ExtractFields(schema map[string]any, required []string) map[string]any {
	fields := map[string]any{}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return fields
	}

	requiredSet := make(map[string]bool, len(required))
	for _, r := range required {
		requiredSet[r] = true
	}

	for name, raw := range props {
		attrs, ok := raw.(map[string]any)
		if !ok {
			fields[name] = OptionalValue
			continue
		}
		switch {
		case attrs["properties"] != nil:
			fields[name] = ExtractFields(attrs, stringSlice(attrs["required"]))
		case attrs["oneOf"] != nil:
			fields[name] = ExtractFields(mergeOneOf(attrs), required)
		case requiredSet[name]:
			fields[name] = RequiredValue
		default:
			fields[name] = OptionalValue
		}
	}
	return fields
}

// mergeOneOf combines the properties of all oneOf alternatives into one
// schema fragment.
func mergeOneOf(attrs map[string]any) map[string]any {
	combined := map[string]any{}
	options, _ := attrs["oneOf"].([]any)
	for _, raw := range options {
		option, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if props, ok := option["properties"].(map[string]any); ok {
			for k, v := range props {
				combined[k] = v
			}
		}
	}
	return map[string]any{"properties": combined}
}

// OutputFileName derives the starter config name from the spec title.
func OutputFileName(title string) string {
	if title == "" {
		return "config.json"
	}
	return strings.ToLower(strings.ReplaceAll(title, " ", "-")) + "-config.json"
}

func resolveOutputPath(outputPath, title string) string {
	if outputPath == "" {
		return OutputFileName(title)
	}
	if fi, err := os.Stat(outputPath); err == nil && fi.IsDir() {
		return filepath.Join(outputPath, OutputFileName(title))
	}
	return outputPath
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
