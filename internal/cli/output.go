package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Formatter renders a JSON result record.
type Formatter interface {
	Format(raw json.RawMessage) (string, error)
}

// NewFormatter returns a Formatter for the given format string.
// Supported formats: "json" (default), "yaml".
func NewFormatter(format string) Formatter {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return YAMLFormatter{}
	default:
		return JSONFormatter{}
	}
}

// JSONFormatter indents the result.
type JSONFormatter struct{}

func (JSONFormatter) Format(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}\n", nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return "", fmt.Errorf("failed to format result: %w", err)
	}
	buf.WriteByte('\n')
	return buf.String(), nil
}

// YAMLFormatter re-encodes the result as YAML.
type YAMLFormatter struct{}

func (YAMLFormatter) Format(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}\n", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("failed to decode result: %w", err)
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to format result: %w", err)
	}
	return string(out), nil
}
