package planner

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/theredstring/redstring-bridge/pkg/models"
)

// ErrNoPlanFound indicates no parsing strategy produced a plan object.
var ErrNoPlanFound = errors.New("no plan object found in model output")

// ExtractPlan parses the model output into a plan, trying strategies in
// order: direct parse, fenced code block, balanced-brace extraction
// around "intent", then a greedy first-brace parse. The returned
// preamble is any conversational text preceding the JSON.
func ExtractPlan(raw string) (*models.Plan, string, error) {
	trimmed := strings.TrimSpace(raw)

	if plan, ok := tryParse(trimmed); ok {
		return plan, "", nil
	}

	if body, start, ok := fencedBlock(trimmed); ok {
		if plan, ok := tryParse(body); ok {
			return plan, preamble(trimmed, start), nil
		}
	}

	if body, start, ok := intentBlock(trimmed); ok {
		if plan, ok := tryParse(body); ok {
			return plan, preamble(trimmed, start), nil
		}
	}

	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			if plan, ok := tryParse(trimmed[start : end+1]); ok {
				return plan, preamble(trimmed, start), nil
			}
		}
	}

	return nil, "", ErrNoPlanFound
}

func tryParse(s string) (*models.Plan, bool) {
	var plan models.Plan
	if err := json.Unmarshal([]byte(s), &plan); err != nil {
		return nil, false
	}
	if plan.Intent == "" {
		return nil, false
	}
	return &plan, true
}

// fencedBlock extracts the first ``` fenced block, tolerating a language
// tag after the opening fence.
func fencedBlock(s string) (body string, start int, ok bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return "", 0, false
	}
	rest := s[open+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", 0, false
	}
	return strings.TrimSpace(rest[:end]), open, true
}

// intentBlock finds the balanced-brace object enclosing the first
// "intent" key.
func intentBlock(s string) (body string, start int, ok bool) {
	idx := strings.Index(s, `"intent"`)
	if idx < 0 {
		return "", 0, false
	}
	// Walk outward: try each opening brace before the key, nearest first,
	// and accept the first one whose balanced region covers the key.
	for open := strings.LastIndex(s[:idx], "{"); open >= 0; open = strings.LastIndex(s[:open], "{") {
		end, balanced := matchBrace(s, open)
		if balanced && end > idx {
			return s[open : end+1], open, true
		}
	}
	return "", 0, false
}

// matchBrace scans from an opening brace to its balanced close,
// respecting JSON string escapes.
func matchBrace(s string, open int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// preamble returns conversational text preceding the JSON start.
func preamble(s string, start int) string {
	return strings.TrimSpace(s[:start])
}
