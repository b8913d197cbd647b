// Package validation holds identifier validation and the common
// "look it up or raise" helpers shared by session, graph and engine code.
package validation

import (
	"regexp"

	"github.com/nervelabs/nerve/internal/nerverr"
)

// MaxNameLength bounds every identifier accepted by the system.
const MaxNameLength = 64

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName checks an identifier against the printable-slug rules:
// nonempty, letters/digits/-/_ only, no path separators, bounded length.
// kind is used only to make the error message readable ("node", "graph",
// "session", "workflow").
func ValidateName(name, kind string) error {
	if name == "" {
		return nerverr.New(nerverr.InvalidName, "%s id must not be empty", kind)
	}
	if len(name) > MaxNameLength {
		return nerverr.New(nerverr.InvalidName, "%s id %q exceeds %d characters", kind, name, MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return nerverr.New(nerverr.InvalidName, "%s id %q contains invalid characters (only letters, digits, '-', '_' allowed)", kind, name)
	}
	return nil
}
