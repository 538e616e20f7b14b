package util

import (
	"regexp"
	"strings"
)

var codeFenceRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON pulls a JSON payload out of a provider response that may wrap
// it in markdown code fences or surrounding prose. Truncated arrays are
// closed so that a best-effort parse can still succeed.
func ExtractJSON(s string) string {
	if m := codeFenceRegex.FindStringSubmatch(s); len(m) > 1 {
		s = strings.TrimSpace(m[1])
	} else {
		s = strings.TrimSpace(s)
	}

	// The payload starts at whichever opener appears first, so an object
	// containing arrays is not mistaken for a bare array.
	arrStart := strings.Index(s, "[")
	objStart := strings.Index(s, "{")

	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		if end := matchBracket(s, arrStart, '[', ']'); end != -1 {
			return s[arrStart : end+1]
		}
		// Truncated array: close it after the last complete element
		if strings.LastIndex(s, "\"") > arrStart {
			return strings.TrimRight(s[arrStart:], " \n\t,") + "]"
		}
	}

	if objStart != -1 {
		if end := matchBracket(s, objStart, '{', '}'); end != -1 {
			return s[objStart : end+1]
		}
	}

	return s
}

// matchBracket returns the index of the closing bracket matching the opener
// at startPos, ignoring brackets inside string literals. Returns -1 when the
// payload is truncated.
func matchBracket(s string, startPos int, open, closing byte) int {
	depth := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// SanitizeJSON escapes literal newlines inside string values, the most common
// malformation in generated file content.
func SanitizeJSON(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			out.WriteByte(ch)
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			out.WriteByte(ch)
			escaped = true
		case '"':
			out.WriteByte(ch)
			inString = !inString
		case '\n', '\r':
			if inString {
				out.WriteString("\\n")
				if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
					i++
				}
			} else {
				out.WriteByte(ch)
			}
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}
