package scoring

import (
	"regexp"
	"strings"
)

// Pre-compiled patterns for pulling JSON out of model responses.
var (
	// arrayBlockPattern matches a JSON array inside a markdown code block.
	arrayBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	// arrayPattern matches any JSON array (greedy fallback).
	arrayPattern = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	// objectBlockPattern matches a JSON object inside a markdown code block.
	objectBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// objectPattern matches any JSON object (greedy fallback).
	objectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSONArray pulls a JSON array out of a model response, handling
// markdown code fences, // comments, and trailing commas.
func ExtractJSONArray(content string) string {
	if matches := arrayBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		return cleanJSON(matches[1])
	}
	if match := arrayPattern.FindString(content); match != "" {
		return cleanJSON(match)
	}
	return ""
}

// ExtractJSON pulls a JSON object out of a model response.
func ExtractJSON(content string) string {
	if matches := objectBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		return cleanJSON(matches[1])
	}
	if match := objectPattern.FindString(content); match != "" {
		return cleanJSON(match)
	}
	return ""
}

// cleanJSON strips JavaScript-style comments and trailing commas, the
// two invalid artifacts models produce most often.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")

	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a line, leaving // inside
// string values (URLs, paths) intact.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
