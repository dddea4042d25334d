// Package skill implements the two-stage learning pipeline: the distiller
// that condenses a terminal task into a structured analysis, and the agent
// that mutates a learning space's skill library under a per-space lock.
package skill

import "strings"

// SanitizeName normalizes a skill name: lowercase, every run of
// non-alphanumeric characters collapses to a single '-', no leading or
// trailing dashes.
func SanitizeName(name string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(name) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
