// Package gate decides whether a proposed command needs the user's
// confirmation before it runs.
package gate

import (
	"fmt"
	"regexp"
)

// DefaultPattern is the blacklist used when the settings name none.
const DefaultPattern = `\b(rm|sudo)\b`

// Gate is a compiled blacklist policy.
//
// With the blacklist disabled every command needs confirmation. With it
// enabled, a command matching the pattern at its start needs confirmation
// and every other command is approved without asking.
type Gate struct {
	enabled bool
	re      *regexp.Regexp
}

// Compile builds a Gate. The pattern is anchored at the start of the
// command. An invalid pattern is an error only when the blacklist is
// enabled.
func Compile(enabled bool, pattern string) (*Gate, error) {
	if !enabled {
		return &Gate{}, nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil, fmt.Errorf("invalid black list pattern %q: %w", pattern, err)
	}
	return &Gate{enabled: true, re: re}, nil
}

// NeedsConfirmation reports whether command must be confirmed.
func (g *Gate) NeedsConfirmation(command string) bool {
	if g == nil || !g.enabled {
		return true
	}
	return g.re.MatchString(command)
}

// Enabled reports whether the blacklist is in effect.
func (g *Gate) Enabled() bool {
	return g != nil && g.enabled
}

// NeedsConfirmation is the one-shot form of Gate.NeedsConfirmation. An
// invalid pattern requires confirmation.
func NeedsConfirmation(command string, enabled bool, pattern string) bool {
	g, err := Compile(enabled, pattern)
	if err != nil {
		return true
	}
	return g.NeedsConfirmation(command)
}
