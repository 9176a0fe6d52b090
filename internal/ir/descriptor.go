package ir

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Descriptor is the YAML document stored at a component's descriptor ref.
// It is a pure function of the component metadata, so the same component
// always renders to the same bytes.
type Descriptor struct {
	ID           string   `yaml:"id"`
	Kind         Kind     `yaml:"kind"`
	Version      string   `yaml:"version"`
	Domain       string   `yaml:"domain,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Capability   string   `yaml:"capability,omitempty"`
	Triggers     []string `yaml:"triggers,omitempty"`
	Children     []string `yaml:"children,omitempty"`
	Shim         *Shim    `yaml:"shim,omitempty"`
	Artifacts    []string `yaml:"artifacts,omitempty"`
}

// Shim marks a retired split original that forwards to its children.
type Shim struct {
	Deprecated bool     `yaml:"deprecated"`
	ForwardsTo []string `yaml:"forwards_to"`
}

// DescriptorOf builds the descriptor document for c.
func DescriptorOf(c Component) Descriptor {
	d := Descriptor{
		ID:           c.ID,
		Kind:         c.Kind,
		Version:      c.Version,
		Domain:       c.Domain,
		Dependencies: c.Dependencies,
		Capability:   c.Capability,
		Triggers:     c.Triggers,
		Children:     c.Children,
		Artifacts:    c.Artifacts,
	}
	if c.Status == StatusDeprecated && len(c.Children) > 0 {
		d.Shim = &Shim{Deprecated: true, ForwardsTo: c.Children}
	}
	return d
}

// RenderDescriptor renders the descriptor of c as YAML.
func RenderDescriptor(c Component) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(DescriptorOf(c)); err != nil {
		return nil, fmt.Errorf("render descriptor %s: %w", c.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render descriptor %s: %w", c.ID, err)
	}
	return buf.Bytes(), nil
}

// Capability is the YAML document stored at a component's capability ref.
// Triggers are stored normalised.
type Capability struct {
	Component   string   `yaml:"component"`
	Name        string   `yaml:"name,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Triggers    []string `yaml:"triggers"`
}

// RenderCapability renders a capability document as YAML.
func RenderCapability(c Capability) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("render capability %s: %w", c.Component, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render capability %s: %w", c.Component, err)
	}
	return buf.Bytes(), nil
}

// RenderManifest renders a bundle manifest as YAML.
func RenderManifest(m BundleManifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("render manifest %s: %w", m.Domain, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render manifest %s: %w", m.Domain, err)
	}
	return buf.Bytes(), nil
}
