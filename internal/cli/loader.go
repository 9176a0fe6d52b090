package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/evolve/internal/engine"
	"github.com/roach88/evolve/internal/ir"
)

// componentFile is the YAML form of a create request.
//
//	id: cmd:next
//	kind: command
//	domain: pm
//	dependencies: [lib]
//	artifacts:
//	  - ref: cmd/next.md
//	    source: next.md   # relative to this file; omit to adopt workspace bytes
type componentFile struct {
	ID           string         `yaml:"id"`
	Kind         string         `yaml:"kind"`
	Version      string         `yaml:"version"`
	Domain       string         `yaml:"domain"`
	Dependencies []string       `yaml:"dependencies"`
	Artifacts    []artifactFile `yaml:"artifacts"`
}

type artifactFile struct {
	Ref    string `yaml:"ref"`
	Source string `yaml:"source"`
}

// decodeStrict decodes exactly one YAML document, rejecting unknown fields.
func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty document")
		}
		return err
	}
	return nil
}

// LoadCreateRequest reads a component file. Artifact sources are read
// relative to the file's directory.
func LoadCreateRequest(path string) (engine.CreateRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.CreateRequest{}, err
	}
	var f componentFile
	if err := decodeStrict(data, &f); err != nil {
		return engine.CreateRequest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	req := engine.CreateRequest{
		ID:           f.ID,
		Kind:         ir.Kind(f.Kind),
		Version:      f.Version,
		Domain:       f.Domain,
		Dependencies: f.Dependencies,
	}
	base := filepath.Dir(path)
	for _, a := range f.Artifacts {
		in := engine.ArtifactInput{Ref: a.Ref}
		if a.Source != "" {
			src := a.Source
			if !filepath.IsAbs(src) {
				src = filepath.Join(base, src)
			}
			if in.Content, err = os.ReadFile(src); err != nil {
				return engine.CreateRequest{}, fmt.Errorf("artifact %s: %w", a.Ref, err)
			}
		}
		req.Artifacts = append(req.Artifacts, in)
	}
	return req, nil
}

// parseArtifactFlag parses "ref" (adopt workspace bytes) or "ref=path".
func parseArtifactFlag(s string) (engine.ArtifactInput, error) {
	ref, src, ok := strings.Cut(s, "=")
	in := engine.ArtifactInput{Ref: ref}
	if !ok {
		return in, nil
	}
	if src == "" {
		return in, fmt.Errorf("artifact %q: empty source path", ref)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return in, fmt.Errorf("artifact %s: %w", ref, err)
	}
	in.Content = data
	return in, nil
}

// LoadCapabilitySpec reads a capability file:
//
//	name: Next task
//	description: Picks the next task
//	triggers: ["next task", "what next"]
func LoadCapabilitySpec(path string) (engine.CapabilitySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.CapabilitySpec{}, err
	}
	var spec engine.CapabilitySpec
	if err := decodeStrict(data, &spec); err != nil {
		return engine.CapabilitySpec{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return spec, nil
}

// LoadPartitionSpec reads a partition file:
//
//	mode: retire
//	buckets:
//	  - name: pm-core
//	    artifacts: [pm/a.md, pm/b.md]
//	  - name: pm-tracking
//	    artifacts: [pm/c.md]
//	    dependencies: [pm-core]
func LoadPartitionSpec(path string) (engine.PartitionSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.PartitionSpec{}, err
	}
	var spec engine.PartitionSpec
	if err := decodeStrict(data, &spec); err != nil {
		return engine.PartitionSpec{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return spec, nil
}

// parseBucketFlag parses "name=ref1,ref2".
func parseBucketFlag(s string) (engine.Bucket, error) {
	name, refs, ok := strings.Cut(s, "=")
	if !ok || name == "" || refs == "" {
		return engine.Bucket{}, fmt.Errorf("bucket %q: want name=ref[,ref...]", s)
	}
	return engine.Bucket{Name: name, Artifacts: strings.Split(refs, ",")}, nil
}
