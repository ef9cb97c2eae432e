// Package sanitize strips markup from user-supplied strings before they
// enter session state.
//
// Every display string that arrives over the wire (usernames, ingredient
// names, recipe titles, the shared context text) is broadcast verbatim to
// every other participant in the session, so HTML and script content must be
// removed at the boundary rather than trusted to clients.
//
// The bluemonday policy is thread-safe and shared across all connections.
package sanitize

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// policy removes all HTML elements and attributes.
var policy = bluemonday.StrictPolicy()

// Clean strips all markup from s and trims surrounding whitespace.
func Clean(s string) string {
	return strings.TrimSpace(policy.Sanitize(s))
}

// CleanLower strips markup and lowercases, for case-insensitive keys such as
// ingredient names.
func CleanLower(s string) string {
	return strings.ToLower(Clean(s))
}
