package pii

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Mode is how a detected entity gets rewritten.
type Mode string

const (
	ModeRedact Mode = "redact" // replace with a <TYPE> tag
	ModeMask   Mode = "mask"   // keep the last 4 characters, star the rest
	ModeHash   Mode = "hash"   // stable sha256 prefix, same input same output
)

// Policy maps entity types to anonymization modes. Entities without an
// explicit mode fall back to Default.
type Policy struct {
	Default Mode            `json:"default"`
	Modes   map[Entity]Mode `json:"modes,omitempty"`
}

// DefaultPolicy redacts everything.
func DefaultPolicy() Policy {
	return Policy{Default: ModeRedact}
}

func (p Policy) modeFor(e Entity) Mode {
	if m, ok := p.Modes[e]; ok {
		return m
	}
	if p.Default != "" {
		return p.Default
	}
	return ModeRedact
}

// Anonymize rewrites every finding in text according to the policy.
// Findings must be non-overlapping and position-ordered, as Detect returns
// them.
func Anonymize(text string, findings []Finding, policy Policy) string {
	if len(findings) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, f := range findings {
		if f.Start < prev || f.End > len(text) {
			continue
		}
		b.WriteString(text[prev:f.Start])
		b.WriteString(replacement(f, policy.modeFor(f.Entity)))
		prev = f.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

func replacement(f Finding, mode Mode) string {
	switch mode {
	case ModeMask:
		return mask(f.Value)
	case ModeHash:
		sum := sha256.Sum256([]byte(f.Value))
		return string(f.Entity) + "_" + hex.EncodeToString(sum[:])[:12]
	default:
		return "<" + string(f.Entity) + ">"
	}
}

func mask(v string) string {
	keep := 4
	if len(v) <= keep {
		return strings.Repeat("*", len(v))
	}
	return strings.Repeat("*", len(v)-keep) + v[len(v)-keep:]
}
