// Package gpath normalizes and validates the path strings every kernel
// entry point accepts for a namespace, locality, geography, column, or
// column set. It is the one place that decision lives, so a path like
// "../../etc" or "a b" is rejected the same way no matter which store
// receives it.
package gpath

import (
	"fmt"
	"strings"

	"github.com/mggg/gerrydb/internal/kernelerr"
)

var invalidSubstrings = []string{"..", " ", "\t", "\n", ";"}

// Normalize strips leading, trailing, and duplicate slashes and lowercases
// path, rejecting it if it contains "..", whitespace, or ";" anywhere. When
// caseSensitiveLast is true, the final path segment keeps its original case
// instead of being lowercased — used for GEOID-bearing geography paths,
// where the last segment is an externally defined identifier.
func Normalize(path string, caseSensitiveLast bool) (string, error) {
	for _, bad := range invalidSubstrings {
		if strings.Contains(path, bad) {
			return "", &kernelerr.BadRequestError{
				Field:  "path",
				Reason: fmt.Sprintf("path %q must not contain %q", path, bad),
			}
		}
	}

	var segs []string
	for _, seg := range strings.Split(strings.TrimSpace(path), "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}

	for i, seg := range segs {
		if caseSensitiveLast && i == len(segs)-1 {
			continue
		}
		segs[i] = strings.ToLower(seg)
	}
	return strings.Join(segs, "/"), nil
}
