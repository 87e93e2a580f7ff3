// Package auth implements HMAC request signing and verification (spec
// §4.6): client-side signing, server-side verification with a replay
// cache, and the secret reference syntax shared by both.
package auth

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// SecretRef is a lazily-resolved secret: a literal value, an environment
// variable, or a file path (whitespace-trimmed, non-empty). Resolution is
// cached after the first successful call.
type SecretRef struct {
	env   string
	file  string
	value string

	mu       sync.Mutex
	resolved bool
	cached   string
}

// Literal builds a SecretRef around a fixed value.
func Literal(value string) *SecretRef { return &SecretRef{value: value, resolved: false} }

// FromEnv builds a SecretRef resolved from the named environment
// variable.
func FromEnv(name string) *SecretRef { return &SecretRef{env: name} }

// FromFile builds a SecretRef resolved by reading name's contents.
func FromFile(name string) *SecretRef { return &SecretRef{file: name} }

// ParseSecretRef interprets the config syntax for secret references:
//
//	"env:NAME"    -> FromEnv("NAME")
//	"file:/path"  -> FromFile("/path")
//	"value:lit"   -> Literal("lit")
//	"${NAME}"     -> FromEnv("NAME")
//	anything else -> Literal(s)
func ParseSecretRef(s string) *SecretRef {
	switch {
	case strings.HasPrefix(s, "env:"):
		return FromEnv(strings.TrimPrefix(s, "env:"))
	case strings.HasPrefix(s, "file:"):
		return FromFile(strings.TrimPrefix(s, "file:"))
	case strings.HasPrefix(s, "value:"):
		return Literal(strings.TrimPrefix(s, "value:"))
	case strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}"):
		return FromEnv(s[2 : len(s)-1])
	default:
		return Literal(s)
	}
}

// Resolve returns the secret value, resolving and caching it on first
// call. An unresolvable reference (unset env var, missing/empty file) is
// a fatal config error.
func (s *SecretRef) Resolve() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resolved {
		return s.cached, nil
	}

	switch {
	case s.value != "":
		s.cached = s.value
	case s.env != "":
		v, ok := os.LookupEnv(s.env)
		if !ok {
			return "", fmt.Errorf("auth: secret env var %q is not set", s.env)
		}
		s.cached = v
	case s.file != "":
		raw, err := os.ReadFile(s.file)
		if err != nil {
			return "", fmt.Errorf("auth: read secret file %q: %w", s.file, err)
		}
		trimmed := strings.TrimSpace(string(raw))
		if trimmed == "" {
			return "", fmt.Errorf("auth: secret file %q is empty", s.file)
		}
		s.cached = trimmed
	default:
		return "", fmt.Errorf("auth: secret reference has no source (env/file/value)")
	}

	s.resolved = true
	return s.cached, nil
}
