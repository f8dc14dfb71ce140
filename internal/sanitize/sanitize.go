// Package sanitize cleans user-supplied text before it is stored. Uses
// bluemonday to strip markup from plain-text fields such as display names,
// which are later echoed back by the API and embedded in outgoing mail.
package sanitize

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// policy is the singleton bluemonday policy for plain-text fields.
// Initialized once via sync.Once for thread-safe lazy initialization.
var (
	policy     *bluemonday.Policy
	policyOnce sync.Once
)

// getPolicy returns the shared strict policy, initializing it on first call.
func getPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.StrictPolicy()
	})
	return policy
}

// Name strips every HTML element from a plain-text field and trims
// surrounding whitespace. bluemonday entity-encodes the text it keeps, so
// the result is unescaped again: names are stored and returned as text, not
// HTML. A value made only of markup comes back empty.
func Name(input string) string {
	if input == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(getPolicy().Sanitize(input)))
}
