package event

import (
	"fmt"
	"strconv"
	"strings"
)

// IsNested reports whether ref uses bracket syntax. Bracketed references may
// alias a flat field name ("message" and "[message]" are the same field).
func IsNested(ref string) bool {
	return strings.Contains(ref, "[")
}

// ParseFieldReference splits a field reference into its path segments.
//
//	"message"        -> ["message"]
//	"[message]"      -> ["message"]
//	"[parent][child]" -> ["parent", "child"]
//	"[list][0]"       -> ["list", "0"]
func ParseFieldReference(ref string) ([]string, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty field reference")
	}

	if !strings.HasPrefix(ref, "[") {
		if strings.ContainsAny(ref, "[]") {
			return nil, fmt.Errorf("malformed field reference %q", ref)
		}
		return []string{ref}, nil
	}

	var segments []string
	rest := ref
	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("malformed field reference %q: expected '[' at %q", ref, rest)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("malformed field reference %q: missing ']'", ref)
		}
		segment := rest[1:end]
		if segment == "" || strings.ContainsAny(segment, "[") {
			return nil, fmt.Errorf("malformed field reference %q: invalid segment %q", ref, segment)
		}
		segments = append(segments, segment)
		rest = rest[end+1:]
	}

	return segments, nil
}

// sliceIndex resolves a path segment against a list of length n. Negative
// indexes count from the end.
func sliceIndex(segment string, n int) (int, bool) {
	idx, err := strconv.Atoi(segment)
	if err != nil {
		return 0, false
	}
	if idx < 0 {
		idx += n
	}
	if idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}
