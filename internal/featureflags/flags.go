package featureflags

import (
	"os"
	"strings"
)

// Flags the daemon checks at startup. Flags are read once at wiring
// time, not per request.
const (
	// FindingsStream turns on the websocket findings feed endpoint.
	FindingsStream = "findings_stream"
)

// Enabled reports whether a flag is on. Flags come from the environment
// as FLAG_<NAME>=true/1/yes/on (case-insensitive); anything else,
// including unset, is off.
func Enabled(name string) bool {
	v := os.Getenv("FLAG_" + strings.ToUpper(name))
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
