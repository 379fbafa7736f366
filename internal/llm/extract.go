package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when no JSON object can be recovered from text.
var ErrNoJSON = errors.New("llm: no JSON object in response")

// ExtractJSON recovers a JSON object from collaborator text. It tries the
// text as-is, then the body of a fenced code block, then the outermost
// {...} span. The returned string is valid JSON.
func ExtractJSON(text string) (string, error) {
	candidates := []string{strings.TrimSpace(text)}
	if fenced, ok := stripFence(text); ok {
		candidates = append(candidates, fenced)
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	for _, c := range candidates {
		if strings.HasPrefix(c, "{") && json.Valid([]byte(c)) {
			return c, nil
		}
	}
	return "", ErrNoJSON
}

func stripFence(text string) (string, bool) {
	open := strings.Index(text, "```")
	if open < 0 {
		return "", false
	}
	rest := text[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	body, _, found := strings.Cut(rest, "```")
	if !found {
		return "", false
	}
	return strings.TrimSpace(body), true
}

// DecodeObject extracts and decodes a JSON object into a generic map.
func DecodeObject(text string) (map[string]any, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
