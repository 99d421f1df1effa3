// Package model loads the manifest describing a trained sign classifier:
// its input shape, the landmark layout it was trained on and its labels.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-signs/internal/landmarks"
)

// Manifest describes a sign classifier package.
type Manifest struct {
	Metadata  Metadata              `yaml:"metadata"`
	Input     InputSpec             `yaml:"input"`
	Landmarks []landmarks.GroupSpec `yaml:"landmarks,omitempty"`
	Labels    string                `yaml:"labels"`

	// dir is the manifest's directory; relative label paths resolve
	// against it.
	dir string
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Language    string   `yaml:"language,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

type InputSpec struct {
	SequenceLength int `yaml:"sequence_length"`
	FeatureDim     int `yaml:"feature_dim"`
}

// Load reads a manifest from disk. An empty landmarks section selects the
// default pose + two hands layout.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Landmarks) == 0 {
		m.Landmarks = landmarks.DefaultLayout()
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Validate ensures the manifest is usable for inference.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Input.SequenceLength <= 0 {
		return fmt.Errorf("input.sequence_length must be positive")
	}
	if m.Input.FeatureDim <= 0 {
		return fmt.Errorf("input.feature_dim must be positive")
	}
	if err := landmarks.ValidateLayout(m.Landmarks); err != nil {
		return fmt.Errorf("landmarks: %w", err)
	}
	if dim := landmarks.Dim(m.Landmarks); dim != m.Input.FeatureDim {
		return fmt.Errorf("input.feature_dim %d does not match landmark layout (%d values)", m.Input.FeatureDim, dim)
	}
	if m.Labels == "" {
		return fmt.Errorf("labels is required")
	}
	return nil
}

// LabelsPath resolves the labels file against the manifest directory.
func (m Manifest) LabelsPath() string {
	if filepath.IsAbs(m.Labels) || m.dir == "" {
		return m.Labels
	}
	return filepath.Join(m.dir, m.Labels)
}

// LoadLabels reads the JSON label array. Position i is the label of
// classifier output i.
func LoadLabels(m Manifest) ([]string, error) {
	data, err := os.ReadFile(m.LabelsPath())
	if err != nil {
		return nil, err
	}
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("parse labels %s: %w", m.LabelsPath(), err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels %s: empty label list", m.LabelsPath())
	}
	seen := make(map[string]struct{}, len(labels))
	for i, l := range labels {
		if l == "" {
			return nil, fmt.Errorf("labels %s: entry %d is empty", m.LabelsPath(), i)
		}
		if _, dup := seen[l]; dup {
			return nil, fmt.Errorf("labels %s: duplicate label %q", m.LabelsPath(), l)
		}
		seen[l] = struct{}{}
	}
	return labels, nil
}
