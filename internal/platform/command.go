package platform

import (
	"regexp"
	"strings"
)

var bindCommandRe = regexp.MustCompile(`^/(start|bind)(@\w+)?\s+([A-Za-z0-9]{4,32})\s*$`)

// ParseBindCommand extracts the code from "/start CODE" or "/bind CODE" (an optional @botname suffix
// is allowed). Codes are returned upper-cased.
func ParseBindCommand(text string) (string, bool) {
	m := bindCommandRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[3]), true
}
