package docker

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Docker container names accept [a-zA-Z0-9_.-] after the first character.
var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// sanitizeName rewrites an image reference into a legal container name
// fragment. Registry slashes, tags and digests all collapse to underscores.
func sanitizeName(ref string) string {
	s := invalidNameChars.ReplaceAllString(ref, "_")
	s = strings.Trim(s, "_.-")
	if s == "" {
		return "connector"
	}
	return s
}

// uniqueName builds a collision-free container name for one operation on
// an image. The random suffix keeps concurrent checks of the same image
// from clashing.
func uniqueName(ref, op string) string {
	suffix := uuid.NewString()[:8]
	return sanitizeName(ref) + "-" + op + "-" + suffix
}
