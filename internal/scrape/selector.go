package scrape

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Transform converts an extracted string into a typed value.
type Transform string

// Supported transforms.
const (
	TransformNone  Transform = ""
	TransformFloat Transform = "float"
	TransformInt   Transform = "int"
)

// SelectorSpec describes how to extract one field. In YAML and JSON a bare
// string is shorthand for a spec with only CSS set.
type SelectorSpec struct {
	CSS       string    `json:"css" yaml:"css"`
	Attr      string    `json:"attr,omitempty" yaml:"attr"`
	Regex     string    `json:"regex,omitempty" yaml:"regex"`
	Transform Transform `json:"transform,omitempty" yaml:"transform"`
}

// Validate checks that the spec can be applied.
func (s SelectorSpec) Validate() error {
	if s.CSS == "" {
		return errors.New("css selector is required")
	}
	switch s.Transform {
	case TransformNone, TransformFloat, TransformInt:
		return nil
	default:
		return fmt.Errorf("unknown transform %q", s.Transform)
	}
}

// UnmarshalYAML accepts either a scalar selector or a mapping.
func (s *SelectorSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = SelectorSpec{CSS: node.Value}
		return nil
	}
	type plain SelectorSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("decode selector: %w", err)
	}
	*s = SelectorSpec(p)
	return nil
}

// UnmarshalJSON accepts either a string selector or an object.
func (s *SelectorSpec) UnmarshalJSON(data []byte) error {
	var css string
	if err := json.Unmarshal(data, &css); err == nil {
		*s = SelectorSpec{CSS: css}
		return nil
	}
	type plain SelectorSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode selector: %w", err)
	}
	*s = SelectorSpec(p)
	return nil
}
