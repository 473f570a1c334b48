// File: api/keyexpr.go
// Author: momentics <momentics@gmail.com>
//
// Key expression grammar: '/'-delimited segments, each a non-empty literal,
// '*' (one segment) or '**' (any number of segments).

package api

import "strings"

const (
	WildOne  = "*"
	WildMany = "**"
)

// ValidateKeyExpr returns a validation error when expr violates the grammar.
func ValidateKeyExpr(expr string) error {
	const op = "keyexpr"
	if expr == "" {
		return Validationf(op, ErrInvalidKeyExpr, "empty expression")
	}
	if strings.Contains(expr, `\`) {
		return Validationf(op, ErrInvalidKeyExpr, "%q: backslash not allowed", expr)
	}
	for i, seg := range strings.Split(expr, "/") {
		if seg == "" {
			return Validationf(op, ErrInvalidKeyExpr, "%q: empty segment at position %d", expr, i)
		}
		if seg == WildOne || seg == WildMany {
			continue
		}
		if strings.Contains(seg, "*") {
			return Validationf(op, ErrInvalidKeyExpr, "%q: wildcard mixed with literal in segment %q", expr, seg)
		}
	}
	return nil
}

// KeyExprMatches reports whether the concrete key matches pattern.
// Both are assumed valid.
func KeyExprMatches(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(key, "/"))
}

func matchSegments(pat, key []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case WildMany:
			rest := pat[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(rest, key[i:]) {
					return true
				}
			}
			return false
		case WildOne:
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pat[0] {
				return false
			}
		}
		pat, key = pat[1:], key[1:]
	}
	return len(key) == 0
}
