package fhir

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk format for configurable extraction rules:
//
//	resources:
//	  - resourceType: Specimen
//	    params:
//	      patient: subject.reference
//	      collected: collection.collectedDateTime
type RuleFile struct {
	Resources []ResourceRuleConfig `yaml:"resources"`
}

// ResourceRuleConfig declares FHIRPath expressions for one resource type.
type ResourceRuleConfig struct {
	ResourceType string            `yaml:"resourceType"`
	Params       map[string]string `yaml:"params"`
}

// ExpressionRule extracts search parameters by evaluating FHIRPath
// expressions. The first item of each result becomes the value when it is a
// primitive. Complex results are dropped.
type ExpressionRule struct {
	resourceType string
	keys         []string
	exprs        map[string]*fhirpath.Expression
	logger       zerolog.Logger
}

// NewExpressionRule compiles every expression up front so that a bad rule
// file fails at startup instead of on the write path.
func NewExpressionRule(resourceType string, params map[string]string, logger zerolog.Logger) (*ExpressionRule, error) {
	rule := &ExpressionRule{
		resourceType: resourceType,
		exprs:        make(map[string]*fhirpath.Expression, len(params)),
		logger:       logger,
	}
	for key, expr := range params {
		compiled, err := fhirpath.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile %s.%s %q: %w", resourceType, key, expr, err)
		}
		rule.exprs[key] = compiled
		rule.keys = append(rule.keys, key)
	}
	sort.Strings(rule.keys)
	return rule, nil
}

// Extract implements ExtractionRule.
func (r *ExpressionRule) Extract(body map[string]interface{}) SearchParams {
	params := SearchParams{}
	data, err := json.Marshal(body)
	if err != nil {
		r.logger.Warn().Err(err).Str("resource_type", r.resourceType).Msg("search param rule: marshal body")
		return params
	}

	for _, key := range r.keys {
		result, err := r.exprs[key].Evaluate(data)
		if err != nil {
			r.logger.Warn().Err(err).
				Str("resource_type", r.resourceType).
				Str("param", key).
				Msg("search param rule: evaluate")
			continue
		}
		if len(result) == 0 {
			continue
		}
		v, ok := scalarValue(result[0])
		if !ok {
			r.logger.Warn().
				Str("resource_type", r.resourceType).
				Str("param", key).
				Str("fhirpath_type", result[0].Type()).
				Msg("search param rule: non-primitive result dropped")
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		params[key] = v
	}
	return params
}

// scalarValue maps a FHIRPath primitive onto the JSON scalar stored in
// search_params: strings and temporals as string, booleans as bool, numbers
// as float64.
func scalarValue(v types.Value) (interface{}, bool) {
	switch t := v.(type) {
	case types.String:
		return t.Value(), true
	case types.Date:
		return t.String(), true
	case types.DateTime:
		return t.String(), true
	case types.Time:
		return t.String(), true
	case types.Boolean:
		return t.Bool(), true
	case types.Integer:
		return float64(t.Value()), true
	case types.Decimal:
		f, _ := t.Value().Float64()
		return f, true
	}
	return nil, false
}

// LoadRuleFile reads a YAML rule file and registers an ExpressionRule per
// resource type, replacing any built-in rule for that type. It returns the
// registered resource types.
func LoadRuleFile(path string, registry *Registry, logger zerolog.Logger) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read search param rules %s: %w", path, err)
	}
	return LoadRules(data, registry, logger)
}

// LoadRules is LoadRuleFile over an in-memory document.
func LoadRules(data []byte, registry *Registry, logger zerolog.Logger) ([]string, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse search param rules: %w", err)
	}

	rules := make([]*ExpressionRule, 0, len(file.Resources))
	for _, rc := range file.Resources {
		if rc.ResourceType == "" {
			return nil, fmt.Errorf("search param rules: resourceType is required")
		}
		rule, err := NewExpressionRule(rc.ResourceType, rc.Params, logger)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	// Nothing is registered unless the whole file compiled.
	loaded := make([]string, 0, len(rules))
	for _, rule := range rules {
		registry.Register(rule.resourceType, rule)
		loaded = append(loaded, rule.resourceType)
	}
	return loaded, nil
}
