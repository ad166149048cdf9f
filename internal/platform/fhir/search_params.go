package fhir

import (
	"sort"
	"strings"
	"sync"
)

// SearchParams is the flat projection of a resource used for indexed
// lookups. Values are scalars: string, bool or float64.
type SearchParams map[string]interface{}

// ExtractionRule derives search parameters from a decoded resource body.
// Implementations must tolerate missing fields and must be deterministic.
type ExtractionRule interface {
	Extract(body map[string]interface{}) SearchParams
}

// RuleFunc adapts a plain function to ExtractionRule.
type RuleFunc func(body map[string]interface{}) SearchParams

// Extract implements ExtractionRule.
func (f RuleFunc) Extract(body map[string]interface{}) SearchParams { return f(body) }

// Registry maps resource types to their extraction rules. Types without a
// rule fall back to the default rule, which exposes only _id.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]ExtractionRule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]ExtractionRule)}
}

// NewDefaultRegistry returns a registry pre-loaded with the built-in rules.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for rt, rule := range builtinRules() {
		r.Register(rt, rule)
	}
	return r
}

// Register adds or replaces the rule for a resource type.
func (r *Registry) Register(resourceType string, rule ExtractionRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[resourceType] = rule
}

// ResourceTypes lists the resource types with a dedicated rule, sorted.
func (r *Registry) ResourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.rules))
	for rt := range r.rules {
		types = append(types, rt)
	}
	sort.Strings(types)
	return types
}

// Extract derives the search parameters for a resource. It never fails; a
// nil body yields an empty map.
func (r *Registry) Extract(resourceType string, body map[string]interface{}) SearchParams {
	if body == nil {
		return SearchParams{}
	}

	r.mu.RLock()
	rule, ok := r.rules[resourceType]
	r.mu.RUnlock()
	if !ok {
		rule = RuleFunc(defaultRule)
	}

	params := rule.Extract(body)
	if params == nil {
		params = SearchParams{}
	}
	return params
}

func defaultRule(body map[string]interface{}) SearchParams {
	params := SearchParams{}
	if id, ok := body["id"].(string); ok && id != "" {
		params["_id"] = id
	}
	return params
}

func builtinRules() map[string]ExtractionRule {
	return map[string]ExtractionRule{
		"Patient": RuleFunc(func(b map[string]interface{}) SearchParams {
			p := SearchParams{}
			p.setString("name", humanName(b))
			p.setString("gender", str(b, "gender"))
			p.setString("birthdate", str(b, "birthDate"))
			return p
		}),
		"Practitioner": RuleFunc(func(b map[string]interface{}) SearchParams {
			p := SearchParams{}
			p.setString("name", humanName(b))
			p.setString("gender", str(b, "gender"))
			return p
		}),
		"Observation": RuleFunc(func(b map[string]interface{}) SearchParams {
			p := SearchParams{}
			p.setString("patient", reference(b, "subject"))
			p.setString("code", firstCoding(b, "code"))
			p.setString("date", str(b, "effectiveDateTime"))
			p.setString("status", str(b, "status"))
			return p
		}),
		"Condition": RuleFunc(func(b map[string]interface{}) SearchParams {
			p := SearchParams{}
			p.setString("patient", reference(b, "subject"))
			p.setString("code", firstCoding(b, "code"))
			p.setString("clinical-status", firstCoding(b, "clinicalStatus"))
			p.setString("onset-date", str(b, "onsetDateTime"))
			return p
		}),
		"Encounter": RuleFunc(func(b map[string]interface{}) SearchParams {
			p := SearchParams{}
			p.setString("patient", reference(b, "subject"))
			p.setString("status", str(b, "status"))
			if class, ok := b["class"].(map[string]interface{}); ok {
				p.setString("class", str(class, "code"))
			}
			if period, ok := b["period"].(map[string]interface{}); ok {
				p.setString("date", str(period, "start"))
			}
			return p
		}),
		"MedicationRequest": RuleFunc(func(b map[string]interface{}) SearchParams {
			p := SearchParams{}
			p.setString("patient", reference(b, "subject"))
			p.setString("status", str(b, "status"))
			p.setString("code", firstCoding(b, "medicationCodeableConcept"))
			p.setString("authoredon", str(b, "authoredOn"))
			return p
		}),
		"Procedure": RuleFunc(func(b map[string]interface{}) SearchParams {
			p := SearchParams{}
			p.setString("patient", reference(b, "subject"))
			p.setString("code", firstCoding(b, "code"))
			p.setString("status", str(b, "status"))
			p.setString("date", str(b, "performedDateTime"))
			return p
		}),
		"DiagnosticReport": RuleFunc(func(b map[string]interface{}) SearchParams {
			p := SearchParams{}
			p.setString("patient", reference(b, "subject"))
			p.setString("code", firstCoding(b, "code"))
			p.setString("status", str(b, "status"))
			p.setString("date", str(b, "effectiveDateTime"))
			return p
		}),
		"AllergyIntolerance": RuleFunc(func(b map[string]interface{}) SearchParams {
			p := SearchParams{}
			p.setString("patient", reference(b, "patient"))
			p.setString("code", firstCoding(b, "code"))
			return p
		}),
		"Immunization": RuleFunc(func(b map[string]interface{}) SearchParams {
			p := SearchParams{}
			p.setString("patient", reference(b, "patient"))
			p.setString("vaccine-code", firstCoding(b, "vaccineCode"))
			p.setString("date", str(b, "occurrenceDateTime"))
			return p
		}),
	}
}

// setString stores v under key unless it is empty.
func (p SearchParams) setString(key, v string) {
	if v != "" {
		p[key] = v
	}
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// humanName flattens the first entry of "name": family name, else the given
// names joined by a space.
func humanName(b map[string]interface{}) string {
	names, ok := b["name"].([]interface{})
	if !ok || len(names) == 0 {
		return ""
	}
	first, ok := names[0].(map[string]interface{})
	if !ok {
		return ""
	}
	if family := str(first, "family"); family != "" {
		return family
	}
	given, ok := first["given"].([]interface{})
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(given))
	for _, g := range given {
		if s, ok := g.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// reference reads field.reference.
func reference(b map[string]interface{}, field string) string {
	ref, ok := b[field].(map[string]interface{})
	if !ok {
		return ""
	}
	return str(ref, "reference")
}

// firstCoding reads field.coding[0].code.
func firstCoding(b map[string]interface{}, field string) string {
	cc, ok := b[field].(map[string]interface{})
	if !ok {
		return ""
	}
	codings, ok := cc["coding"].([]interface{})
	if !ok || len(codings) == 0 {
		return ""
	}
	coding, ok := codings[0].(map[string]interface{})
	if !ok {
		return ""
	}
	return str(coding, "code")
}
