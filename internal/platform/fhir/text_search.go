package fhir

import (
	"fmt"
	"strings"
)

// TextSearchConfig is the PostgreSQL text search configuration used both by
// the generated content_tsv column and by every query against it. "simple"
// lowercases lexemes without stemming, which keeps matching case-insensitive.
const TextSearchConfig = "simple"

// TextField selects which part of a resource a text search targets.
type TextField int

const (
	// TextFieldContent searches the whole resource (_content).
	TextFieldContent TextField = iota
	// TextFieldNarrative searches resources carrying a narrative (_text).
	TextFieldNarrative
)

// TextMode records which grammar branch produced a predicate.
type TextMode int

const (
	TextModeNone TextMode = iota
	TextModePhrase
	TextModeBoolean
	TextModeNegation
	TextModePlain
)

func (m TextMode) String() string {
	switch m {
	case TextModePhrase:
		return "phrase"
	case TextModeBoolean:
		return "boolean"
	case TextModeNegation:
		return "negation"
	case TextModePlain:
		return "plain"
	}
	return "none"
}

// websearchOr is the OR operator understood by websearch_to_tsquery.
const websearchOr = " or "

// TextPredicate is a native text-search predicate for the fhir_resource
// table. The zero value matches every row.
type TextPredicate struct {
	Mode             TextMode
	Query            string // websearch_to_tsquery input
	RequireNarrative bool
}

// Empty reports whether the predicate places no constraint at all.
func (p TextPredicate) Empty() bool {
	return p.Mode == TextModeNone && !p.RequireNarrative
}

// BuildTextQuery turns a _text / _content value into a predicate. Grammar
// branches are tried in order and the first match wins:
//
//  1. contains a double quote: exact phrase, quotes stripped and re-wrapped
//  2. contains " AND " or " OR ": AND becomes implicit, OR becomes "or"
//  3. starts with "-": negation, passed through
//  4. anything else: plain terms, passed through
//
// A blank term yields the empty predicate. A term with nothing left to match
// once quotes or the leading "-" are stripped only keeps the narrative
// requirement of _text.
func BuildTextQuery(term string, field TextField) TextPredicate {
	if strings.TrimSpace(term) == "" {
		return TextPredicate{}
	}

	p := TextPredicate{RequireNarrative: field == TextFieldNarrative}

	switch {
	case strings.Contains(term, `"`):
		phrase := strings.ReplaceAll(term, `"`, "")
		if strings.TrimSpace(phrase) == "" {
			return p
		}
		p.Mode = TextModePhrase
		p.Query = `"` + phrase + `"`
	case strings.Contains(term, " AND ") || strings.Contains(term, " OR "):
		p.Mode = TextModeBoolean
		q := strings.ReplaceAll(term, " AND ", " ")
		p.Query = strings.ReplaceAll(q, " OR ", websearchOr)
	case strings.HasPrefix(term, "-"):
		if strings.TrimSpace(strings.TrimLeft(term, "-")) == "" {
			return p
		}
		p.Mode = TextModeNegation
		p.Query = term
	default:
		p.Mode = TextModePlain
		p.Query = term
	}
	return p
}

// SQL renders the predicate as a WHERE fragment starting at placeholder
// argIdx. It returns the fragment, its arguments and the next free index.
// An empty predicate renders as "TRUE".
func (p TextPredicate) SQL(argIdx int) (string, []interface{}, int) {
	var clauses []string
	var args []interface{}

	if p.Mode != TextModeNone {
		clauses = append(clauses, fmt.Sprintf("content_tsv @@ websearch_to_tsquery('%s', $%d)", TextSearchConfig, argIdx))
		args = append(args, p.Query)
		argIdx++
	}
	if p.RequireNarrative {
		clauses = append(clauses, "resource->'text'->>'div' IS NOT NULL")
	}

	if len(clauses) == 0 {
		return "TRUE", nil, argIdx
	}
	return strings.Join(clauses, " AND "), args, argIdx
}

// TextFieldForParam maps a FHIR search parameter name to its TextField.
func TextFieldForParam(name string) (TextField, bool) {
	switch name {
	case "_content":
		return TextFieldContent, true
	case "_text":
		return TextFieldNarrative, true
	}
	return 0, false
}
