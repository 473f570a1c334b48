// File: driver/natsbus/subject.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package natsbus

import (
	"strings"

	"github.com/momentics/topicscope/api"
)

// Subject maps a key expression to a NATS subject. "**" is only
// expressible as the last segment, where it becomes ">".
func Subject(keyExpr string) (string, error) {
	if err := api.ValidateKeyExpr(keyExpr); err != nil {
		return "", err
	}
	segs := strings.Split(keyExpr, "/")
	for i, s := range segs {
		switch {
		case s == api.WildMany:
			if i != len(segs)-1 {
				return "", api.Unsupported(DriverName, "'**' before the last segment")
			}
			segs[i] = ">"
		case s == api.WildOne:
		case strings.ContainsAny(s, ". \t>"):
			return "", api.Unsupported(DriverName, "segment "+s+" contains a subject token separator")
		}
	}
	return strings.Join(segs, "."), nil
}

// KeyFromSubject maps a concrete subject back to a key.
func KeyFromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func hasWildcard(keyExpr string) bool {
	for _, s := range strings.Split(keyExpr, "/") {
		if s == api.WildOne || s == api.WildMany {
			return true
		}
	}
	return false
}
