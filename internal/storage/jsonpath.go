package storage

import "strings"

// JSONPath returns the json_extract path addressing key as a single quoted
// segment inside the attributes blob: dotted keys like "service.name" address
// the literal top-level key, not a nested path. Backslashes and double quotes
// are escaped so caller-supplied keys cannot break out of the segment. The
// result is passed to json_extract as a bound parameter, never spliced into
// SQL text.
func JSONPath(key string) string {
	escaped := strings.ReplaceAll(key, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `$."` + escaped + `"`
}
