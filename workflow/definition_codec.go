package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionFormat is a serialization format for definitions
type DefinitionFormat string

const (
	FormatJSON DefinitionFormat = "json"
	FormatYAML DefinitionFormat = "yaml"
)

// FormatFromContentType maps an HTTP content type to a format. Anything
// that is not YAML is treated as JSON.
func FormatFromContentType(contentType string) DefinitionFormat {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "yaml") || strings.Contains(ct, "yml") {
		return FormatYAML
	}
	return FormatJSON
}

// DecodeDefinition parses and validates a definition.
func DecodeDefinition(data []byte, format DefinitionFormat) (*Definition, error) {
	var def Definition
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definition from YAML: %w", err)
		}
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definition from JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported definition format %q", format)
	}

	if _, err := Compile(&def, CompileOptions{}); err != nil {
		return nil, err
	}
	return &def, nil
}

// EncodeDefinition serializes a definition.
func EncodeDefinition(def *Definition, format DefinitionFormat) ([]byte, error) {
	switch format {
	case FormatYAML:
		data, err := yaml.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal definition to YAML: %w", err)
		}
		return data, nil
	case FormatJSON, "":
		data, err := json.MarshalIndent(def, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal definition to JSON: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("unsupported definition format %q", format)
}

// LoadDefinitionFile reads a definition from a .json, .yaml or .yml file.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return DecodeDefinition(data, formatFromPath(path))
}

// SaveDefinitionFile writes a definition in the format implied by the file
// extension.
func SaveDefinitionFile(def *Definition, path string) error {
	data, err := EncodeDefinition(def, formatFromPath(path))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func formatFromPath(path string) DefinitionFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}
