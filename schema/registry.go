package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/replicant/errors"
)

// Rule is a process-local validation contract for one replicant. Rules are
// never persisted or transmitted; a fresh process starts with an empty
// registry and bundles must re-register before validation resumes.
type Rule interface {
	// Validate checks a candidate value and returns ErrValidationFailed
	// (wrapped, with detail) when it does not conform.
	Validate(value json.RawMessage) error
}

// RuleFunc adapts a plain function to the Rule interface.
type RuleFunc func(value json.RawMessage) error

// Validate implements Rule.
func (f RuleFunc) Validate(value json.RawMessage) error {
	return f(value)
}

// Registry holds validation rules keyed by (namespace, name).
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		rules: make(map[string]Rule),
	}
}

func ruleKey(namespace, name string) string {
	return namespace + "/" + name
}

// Register installs a validation rule for (namespace, name), replacing any
// existing rule.
func (r *Registry) Register(namespace, name string, rule Rule) error {
	if namespace == "" || name == "" {
		return errors.WrapInvalid(
			fmt.Errorf("namespace %q name %q", namespace, name),
			"Registry", "Register", "namespace and name must not be empty")
	}
	if rule == nil {
		return errors.WrapInvalid(
			fmt.Errorf("nil rule for %s/%s", namespace, name),
			"Registry", "Register", "rule must not be nil")
	}

	r.mu.Lock()
	r.rules[ruleKey(namespace, name)] = rule
	r.mu.Unlock()
	return nil
}

// RegisterJSONSchema compiles a JSON Schema document and installs it as the
// rule for (namespace, name).
func (r *Registry) RegisterJSONSchema(namespace, name string, schemaDoc json.RawMessage) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaDoc))
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "RegisterJSONSchema",
			fmt.Sprintf("compile schema for %s/%s", namespace, name))
	}
	return r.Register(namespace, name, &jsonSchemaRule{schema: compiled})
}

// Lookup returns the rule registered for (namespace, name), if any.
func (r *Registry) Lookup(namespace, name string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[ruleKey(namespace, name)]
	return rule, ok
}

// HasSchema reports whether a rule is registered for (namespace, name).
func (r *Registry) HasSchema(namespace, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rules[ruleKey(namespace, name)]
	return ok
}

// Remove drops the rule for (namespace, name). Removing an absent rule is
// not an error.
func (r *Registry) Remove(namespace, name string) {
	r.mu.Lock()
	delete(r.rules, ruleKey(namespace, name))
	r.mu.Unlock()
}

// Validate checks value against the registered rule. A key with no rule
// always validates.
func (r *Registry) Validate(namespace, name string, value json.RawMessage) error {
	r.mu.RLock()
	rule, ok := r.rules[ruleKey(namespace, name)]
	r.mu.RUnlock()

	if !ok {
		return nil
	}
	return rule.Validate(value)
}

// jsonSchemaRule validates values against a compiled JSON Schema.
type jsonSchemaRule struct {
	schema *gojsonschema.Schema
}

func (j *jsonSchemaRule) Validate(value json.RawMessage) error {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}

	result, err := j.schema.Validate(gojsonschema.NewBytesLoader(value))
	if err != nil {
		return errors.WrapInvalid(err, "jsonSchemaRule", "Validate", "load value")
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrValidationFailed, strings.Join(details, "; ")),
		"jsonSchemaRule", "Validate", "value does not conform to schema")
}
