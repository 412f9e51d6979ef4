package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Registry is the declarative field map between the two schemas, loaded once
// at startup from a YAML document and immutable thereafter.
type Registry struct {
	// SrcToTgt maps dotted issue field paths ("user.login") to target
	// property names.
	SrcToTgt map[string]string `yaml:"src_to_tgt" json:"src_to_tgt"`
	// TgtToSrc maps target property names back to issue field paths.
	TgtToSrc map[string]string `yaml:"tgt_to_src" json:"tgt_to_src"`
	// PropertyTypes declares the target property kind per property name
	// (title, rich_text, select, multi_select, status, number, checkbox,
	// date, people, url).
	PropertyTypes map[string]string `yaml:"property_types" json:"property_types"`

	StatusMap   StatusMap   `yaml:"status_map" json:"status_map"`
	Filters     Filters     `yaml:"filters" json:"filters"`
	SyncOptions SyncOptions `yaml:"sync_options" json:"sync_options"`
}

// StatusMap translates status vocabulary between the two sides. Lookup keys
// are case-folded; unknown values fall back to the nominated default.
type StatusMap struct {
	SrcToTgt   map[string]string `yaml:"src_to_tgt" json:"src_to_tgt"`
	TgtToSrc   map[string]string `yaml:"tgt_to_src" json:"tgt_to_src"`
	SrcDefault string            `yaml:"src_default" json:"src_default"`
	TgtDefault string            `yaml:"tgt_default" json:"tgt_default"`
}

// Filters suppress events before they reach the orchestrator.
type Filters struct {
	IgnoreBots       bool     `yaml:"ignore_bots" json:"ignore_bots"`
	IgnoredLabels    []string `yaml:"ignored_labels" json:"ignored_labels"`
	IgnoredProviders []string `yaml:"ignored_providers" json:"ignored_providers"`
}

// SyncOptions tune orchestration behavior.
type SyncOptions struct {
	Bidirectional    bool `yaml:"bidirectional" json:"bidirectional"`
	SyncComments     bool `yaml:"sync_comments" json:"sync_comments"`
	BatchSize        int  `yaml:"batch_size" json:"batch_size"`
	RateLimitDelayMS int  `yaml:"rate_limit_delay_ms" json:"rate_limit_delay_ms"`
}

// registrySchema validates the mapping document before it is trusted.
// Property kinds are constrained to the declared vocabulary so that a typo
// fails startup instead of silently dropping a property.
const registrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["src_to_tgt", "tgt_to_src", "property_types"],
  "properties": {
    "src_to_tgt": {
      "type": "object",
      "additionalProperties": {"type": "string", "minLength": 1}
    },
    "tgt_to_src": {
      "type": "object",
      "additionalProperties": {"type": "string", "minLength": 1}
    },
    "property_types": {
      "type": "object",
      "additionalProperties": {
        "enum": ["title", "rich_text", "select", "multi_select", "status",
                 "number", "checkbox", "date", "people", "url"]
      }
    },
    "status_map": {
      "type": "object",
      "properties": {
        "src_to_tgt": {"type": "object", "additionalProperties": {"type": "string"}},
        "tgt_to_src": {"type": "object", "additionalProperties": {"type": "string"}},
        "src_default": {"type": "string"},
        "tgt_default": {"type": "string"}
      }
    },
    "filters": {
      "type": "object",
      "properties": {
        "ignore_bots": {"type": "boolean"},
        "ignored_labels": {"type": "array", "items": {"type": "string"}},
        "ignored_providers": {"type": "array", "items": {"type": "string"}}
      }
    },
    "sync_options": {
      "type": "object",
      "properties": {
        "bidirectional": {"type": "boolean"},
        "sync_comments": {"type": "boolean"},
        "batch_size": {"type": "integer", "minimum": 1},
        "rate_limit_delay_ms": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

// LoadRegistry reads, validates and normalizes the mapping document.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return ParseRegistry(raw)
}

// ParseRegistry parses the YAML mapping document from memory.
func ParseRegistry(raw []byte) (*Registry, error) {
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: invalid YAML: %w", err)
	}

	if err := validateRegistryDoc(doc); err != nil {
		return nil, err
	}

	var reg Registry
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("registry: decode: %w", err)
	}
	reg.normalize()

	if err := reg.check(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func validateRegistryDoc(doc interface{}) error {
	sch, err := jsonschema.CompileString("mapping.schema.json", registrySchema)
	if err != nil {
		return fmt.Errorf("registry: schema compile: %w", err)
	}

	// The validator expects encoding/json value shapes; round-trip the
	// YAML-decoded document through JSON.
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("registry: document not JSON-representable: %w", err)
	}
	var jsonDoc interface{}
	if err := json.Unmarshal(jsonBytes, &jsonDoc); err != nil {
		return fmt.Errorf("registry: document re-decode: %w", err)
	}

	if err := sch.Validate(jsonDoc); err != nil {
		return fmt.Errorf("registry: document invalid: %w", err)
	}
	return nil
}

// normalize case-folds status keys and applies option defaults.
func (r *Registry) normalize() {
	r.StatusMap.SrcToTgt = foldKeys(r.StatusMap.SrcToTgt)
	r.StatusMap.TgtToSrc = foldKeys(r.StatusMap.TgtToSrc)
	if r.SyncOptions.BatchSize == 0 {
		r.SyncOptions.BatchSize = 50
	}
}

// check enforces cross-field consistency the schema cannot express.
func (r *Registry) check() error {
	for field, prop := range r.SrcToTgt {
		if _, ok := r.PropertyTypes[prop]; !ok {
			return fmt.Errorf("registry: src_to_tgt[%q] targets property %q with no declared type", field, prop)
		}
	}
	for prop := range r.TgtToSrc {
		if _, ok := r.PropertyTypes[prop]; !ok {
			return fmt.Errorf("registry: tgt_to_src references property %q with no declared type", prop)
		}
	}
	return nil
}

// IgnoredLabel reports whether label is filtered out.
func (r *Registry) IgnoredLabel(label string) bool {
	for _, l := range r.Filters.IgnoredLabels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

func foldKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
