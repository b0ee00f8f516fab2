// Package llmutil repairs and decodes the text replies of language models.
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// fenceRegex matches an opening or closing markdown fence with an optional language tag.
	fenceRegex = regexp.MustCompile("\x60\x60\x60[a-zA-Z0-9_+-]*")

	// nullTokenRegex matches string placeholders the model emits in place of a JSON null.
	// Only value positions qualify: the closing quote must be followed by a separator or the end.
	nullTokenRegex = regexp.MustCompile(`"\s*(?i:null|json null|undefined)\s*"(\s*(?:[,}\]]|$))`)
)

// StripCodeFences removes every markdown fence marker from the response.
func StripCodeFences(response string) string {
	return strings.TrimSpace(fenceRegex.ReplaceAllString(response, ""))
}

// RepairNullTokens replaces the quoted tokens "null", "json null" and
// "undefined" with a literal JSON null. Applying it twice is the same as
// applying it once.
func RepairNullTokens(response string) string {
	return nullTokenRegex.ReplaceAllString(response, "null$1")
}

// Repair applies fence stripping and then null-token repair.
func Repair(response string) string {
	return RepairNullTokens(StripCodeFences(response))
}

// ExtractJSON isolates the outermost JSON object or array in text that may
// carry conversational prose around it.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}
	if fb, lb := strings.Index(response, "{"), strings.LastIndex(response, "}"); fb != -1 && lb > fb {
		return response[fb : lb+1]
	}
	if fb, lb := strings.Index(response, "["), strings.LastIndex(response, "]"); fb != -1 && lb > fb {
		return response[fb : lb+1]
	}
	return response
}

// ParseJSONResponse repairs an LLM response and decodes it into T.
func ParseJSONResponse[T any](response string) (*T, error) {
	jsonStringToParse := ExtractJSON(Repair(response))
	if jsonStringToParse == "" {
		return nil, fmt.Errorf("empty LLM response")
	}

	var result T
	if err := json.Unmarshal([]byte(jsonStringToParse), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(jsonStringToParse, 500))
	}
	return &result, nil
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	// Byte truncation; only used for error messages.
	return s[:maxLen] + "..."
}
