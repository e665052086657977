package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"verdict/internal/subject"
)

// policySchema is the structural contract every configured policy document
// must satisfy before it is decoded. Anything beyond structure (context
// exclusivity, known subject types, rule variants) is enforced by Validate
// and the rule union decoder.
const policySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "product_versions", "subject_type", "rules"],
	"additionalProperties": false,
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"subject_type": {"type": "string", "minLength": 1},
		"product_versions": {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"decision_context": {"type": "string"},
		"decision_contexts": {"type": "array", "items": {"type": "string"}},
		"rules": {
			"type": "array",
			"items": {"type": "object", "required": ["type"]}
		},
		"packages": {"type": "array", "items": {"type": "string"}},
		"excluded_packages": {"type": "array", "items": {"type": "string"}}
	}
}`

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(policySchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("policy.schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("policy.schema.json")
}

// Load reads all policy documents from *.yaml files in dir, validating each
// against the structural schema and the registry of known subject types. Any
// violation is fatal: an inconsistent policy set must fail startup, not
// individual requests.
func Load(dir string, registry *subject.Registry) (*Store, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}

	var policies []*Policy
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policies %s: %w", path, err)
		}
		loaded, err := parse(raw, schema)
		if err != nil {
			return nil, fmt.Errorf("parse policies %s: %w", path, err)
		}
		for _, p := range loaded {
			p.Source = path
			if _, err := registry.Get(p.SubjectType); err != nil {
				return nil, fmt.Errorf("policy %q: %w", p.ID, err)
			}
		}
		policies = append(policies, loaded...)
	}

	return NewStore(policies...), nil
}

func parse(raw []byte, schema *jsonschema.Schema) ([]*Policy, error) {
	if schema != nil {
		if err := validateDocuments(raw, schema); err != nil {
			return nil, err
		}
	}

	var policies []*Policy
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	for {
		var p Policy
		if err := dec.Decode(&p); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		policies = append(policies, &p)
	}
	return policies, nil
}

func validateDocuments(raw []byte, schema *jsonschema.Schema) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	for {
		var doc any
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := schema.Validate(jsonValue(doc)); err != nil {
			return err
		}
	}
}

// jsonValue converts a decoded YAML value into the shapes the schema
// validator expects from encoding/json.
func jsonValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = jsonValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = jsonValue(item)
		}
		return out
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return v
	}
}

// ParseRemote parses a fetched gating document into policies. Remote
// policies are laxer than configured ones (id and contexts optional, subject
// type defaults to koji_build, product versions default to any) but must not
// contain RemoteRule: a gating document cannot delegate further.
func ParseRemote(raw []byte, sourceURL string) ([]*Policy, error) {
	var policies []*Policy
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	for {
		var p Policy
		if err := dec.Decode(&p); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if p.DecisionContext != "" && len(p.DecisionContexts) > 0 {
			return nil, fmt.Errorf(
				"remote policy sets both decision_context and decision_contexts")
		}
		for _, spec := range p.Rules {
			if spec.Rule.RuleType() == TypeRemoteRule {
				return nil, errors.New("RemoteRule is not allowed in remote policies")
			}
		}
		if p.SubjectType == "" {
			p.SubjectType = "koji_build"
		}
		if len(p.ProductVersions) == 0 {
			p.ProductVersions = []string{"*"}
		}
		if err := p.validatePatterns(); err != nil {
			return nil, err
		}
		p.Source = sourceURL
		policies = append(policies, &p)
	}
	return policies, nil
}

// Store is the immutable policy set constructed once during process
// initialization and passed into every request.
type Store struct {
	policies []*Policy
}

func NewStore(policies ...*Policy) *Store {
	return &Store{policies: policies}
}

// All returns the loaded policies in load order.
func (s *Store) All() []*Policy {
	return s.policies
}

// Applicable returns the policies matching the query, in load order.
func (s *Store) Applicable(q Query) []*Policy {
	var matched []*Policy
	for _, p := range s.policies {
		if p.Matches(q) {
			matched = append(matched, p)
		}
	}
	return matched
}
