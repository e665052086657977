package subject

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Type describes a configured subject type. Types are loaded once at startup
// from a directory of YAML documents and are immutable afterwards.
type Type struct {
	ID      string   `yaml:"id" json:"id"`
	Aliases []string `yaml:"aliases" json:"aliases,omitempty"`

	// Key name to read the identifier from in legacy subject dicts
	// ("item" is used if empty or not found).
	ItemKey string `yaml:"item_key" json:"item_key,omitempty"`

	// A build for this subject identifier can be found in the build system.
	IsKojiBuild bool `yaml:"is_koji_build" json:"is_koji_build,omitempty"`

	// Identifier is in NVR format; package name and short product version
	// can be parsed from it.
	IsNVR bool `yaml:"is_nvr" json:"is_nvr,omitempty"`

	// Subject types with remote-rule support resolve gating documents from
	// the artifact's own source repository.
	SupportsRemoteRule bool `yaml:"supports_remote_rule" json:"supports_remote_rule,omitempty"`

	// Render a decision with no applicable policies instead of an error.
	IgnoreMissingPolicy bool `yaml:"ignore_missing_policy" json:"ignore_missing_policy,omitempty"`

	// Fixed product version, used when ProductVersionMatch does not match.
	ProductVersion string `yaml:"product_version" json:"product_version,omitempty"`

	ProductVersionMatch []VersionMatch `yaml:"product_version_match" json:"product_version_match,omitempty"`
}

// VersionMatch maps a subject identifier pattern to a product version.
// ProductVersion may reference capture groups ($1, $2, ...).
type VersionMatch struct {
	Match          string `yaml:"match" json:"match"`
	ProductVersion string `yaml:"product_version" json:"product_version"`

	re *regexp.Regexp
}

func (m *VersionMatch) compile() error {
	re, err := regexp.Compile(m.Match)
	if err != nil {
		return fmt.Errorf("product_version_match %q: %w", m.Match, err)
	}
	m.re = re
	return nil
}

func (m VersionMatch) apply(identifier string) string {
	if m.re == nil || !m.re.MatchString(identifier) {
		return ""
	}
	return m.re.ReplaceAllString(identifier, m.ProductVersion)
}

// Matches reports whether the type is addressed by the given identifier,
// either directly or through an alias.
func (t *Type) Matches(id string) bool {
	if id == t.ID {
		return true
	}
	for _, alias := range t.Aliases {
		if id == alias {
			return true
		}
	}
	return false
}

// Registry holds the configured subject types.
type Registry struct {
	types []*Type
}

// NewRegistry builds a registry from already-validated types. Intended for
// tests; production code loads from a directory.
func NewRegistry(types ...*Type) *Registry {
	return &Registry{types: types}
}

// ErrUnknownType is returned when a requested subject type is not configured.
var ErrUnknownType = errors.New("unknown subject type")

// Get resolves a subject type by id or alias.
func (r *Registry) Get(id string) (*Type, error) {
	for _, t := range r.types {
		if t.Matches(id) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, id)
}

// Types returns all configured types in load order.
func (r *Registry) Types() []*Type {
	return r.types
}

// LoadRegistry reads all subject type documents from *.yaml files in dir.
// Each file may contain multiple YAML documents. Invalid documents are a
// startup failure, not a request-time one.
func LoadRegistry(dir string) (*Registry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}

	var types []*Type
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read subject types %s: %w", path, err)
		}
		loaded, err := parseTypes(raw)
		if err != nil {
			return nil, fmt.Errorf("parse subject types %s: %w", path, err)
		}
		types = append(types, loaded...)
	}

	return &Registry{types: types}, nil
}

func parseTypes(raw []byte) ([]*Type, error) {
	var types []*Type
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	for {
		var t Type
		if err := dec.Decode(&t); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if t.ID == "" {
			return nil, errors.New("subject type is missing an id")
		}
		for i := range t.ProductVersionMatch {
			if err := t.ProductVersionMatch[i].compile(); err != nil {
				return nil, fmt.Errorf("subject type %q: %w", t.ID, err)
			}
		}
		types = append(types, &t)
	}
	return types, nil
}
