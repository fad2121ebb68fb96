package collect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// FieldMapping is one entry of provider_types.token_mappings_json: a
// field name (e.g. "tokens_prompt") mapped to either a direct dotted/
// array-index path into the response JSON, or a "+"-joined expression
// summing several such paths (Gemini's usageMetadata splits prompt
// tokens across promptTokenCount and a separate cachedContentTokenCount,
// for instance).
type FieldMapping struct {
	Type    string `json:"type"`    // "direct" | "expression"
	Path    string `json:"path"`    // direct: "usage.prompt_tokens" or "choices.0.usage.total"
	Formula string `json:"formula"` // expression: "a.b + c.d"
}

// TokenMappings is provider_types.token_mappings_json decoded: one
// FieldMapping per billable field name.
type TokenMappings map[string]FieldMapping

func ParseTokenMappings(raw string) (TokenMappings, error) {
	var m TokenMappings
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("collect: decode token_mappings_json: %w", err)
	}
	return m, nil
}

// Extract evaluates every mapping against body, returning the field
// name -> numeric value pairs it could resolve. A field whose path or
// every operand of its expression is absent from body is simply
// omitted, not treated as zero.
func Extract(mappings TokenMappings, body []byte) map[string]int64 {
	out := make(map[string]int64, len(mappings))
	for field, mapping := range mappings {
		switch mapping.Type {
		case "expression":
			if v, ok := evalExpression(mapping.Formula, body); ok {
				out[field] = v
			}
		default: // "direct"
			if v, ok := lookupPath(body, mapping.Path); ok {
				out[field] = v
			}
		}
	}
	return out
}

// lookupPath resolves a dotted/array-index path (e.g. "a.b.0.c") via
// gjson, which already accepts this exact syntax.
func lookupPath(body []byte, path string) (int64, bool) {
	if path == "" {
		return 0, false
	}
	res := gjson.GetBytes(body, path)
	if !res.Exists() {
		return 0, false
	}
	return res.Int(), true
}

// lookupStringPath resolves a dotted/array-index path to a string
// value, used for model-name extraction rather than token counts.
func lookupStringPath(body []byte, path string) (string, bool) {
	if path == "" {
		return "", false
	}
	res := gjson.GetBytes(body, path)
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}

// evalExpression sums the operands of a "+"-joined formula, skipping
// (not zeroing) any operand that does not resolve — so "a + b" with a
// missing b still yields a if the mapping is meant to be best-effort.
func evalExpression(formula string, body []byte) (int64, bool) {
	parts := strings.Split(formula, "+")
	var sum int64
	found := false
	for _, p := range parts {
		path := strings.TrimSpace(p)
		if v, ok := lookupPath(body, path); ok {
			sum += v
			found = true
		}
	}
	return sum, found
}
