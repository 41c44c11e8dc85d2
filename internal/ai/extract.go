package ai

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls the first top-level JSON object out of free-form
// model output. A direct parse is tried first; on failure the text is
// scanned for the first '{' and walked with brace-depth tracking,
// respecting quoted strings and escapes. Returns nil when no
// well-formed object exists.
func ExtractJSON(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate)
				}
				return nil
			}
		}
	}
	return nil
}

// StripCodeFences returns the body of the first fenced code block, or
// the trimmed input when no fence is present. The info string after
// the opening fence is dropped.
func StripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	open := strings.Index(trimmed, "```")
	if open < 0 {
		return trimmed
	}
	rest := trimmed[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
