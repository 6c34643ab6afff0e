// Package rewrite maps inbound request paths to upstream paths.
package rewrite

import (
	"fmt"
	"strings"
)

// Mode selects how a Rule treats its prefix.
type Mode int

const (
	// ModeKeep forwards the path unchanged.
	ModeKeep Mode = iota
	// ModeStrip removes the prefix when the path carries it.
	ModeStrip
	// ModeReadd prepends the prefix when the path does not carry it.
	ModeReadd
)

func (m Mode) String() string {
	switch m {
	case ModeKeep:
		return "keep"
	case ModeStrip:
		return "strip"
	case ModeReadd:
		return "readd"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a rewrite mode name as it appears in configuration.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep":
		return ModeKeep, nil
	case "strip":
		return ModeStrip, nil
	case "readd", "re-add":
		return ModeReadd, nil
	default:
		return ModeKeep, fmt.Errorf("unknown rewrite mode %q (want strip, keep or readd)", s)
	}
}

// Rule is a path rewrite rule. The zero value keeps every path unchanged.
type Rule struct {
	Mode   Mode
	Prefix string
}

// Rewrite returns the upstream path for path. It never fails: a prefix that
// is absent (strip) or already present (readd) leaves the path unchanged, and
// an empty result becomes "/".
func (r Rule) Rewrite(path string) string {
	prefix := strings.TrimSuffix(r.Prefix, "/")

	out := path
	switch r.Mode {
	case ModeStrip:
		if prefix != "" && HasPrefix(path, prefix) {
			out = path[len(prefix):]
		}
	case ModeReadd:
		if prefix != "" && !HasPrefix(path, prefix) {
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			out = prefix + path
		}
	}

	if out == "" {
		return "/"
	}
	return out
}

func (r Rule) String() string {
	if r.Mode == ModeKeep {
		return r.Mode.String()
	}
	return fmt.Sprintf("%s(%s)", r.Mode, r.Prefix)
}

// HasPrefix reports whether path starts with prefix on a segment boundary,
// so "/api" matches "/api" and "/api/x" but not "/apiary".
func HasPrefix(path, prefix string) bool {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return false
	}
	return rest == "" || rest[0] == '/'
}
