// Package recipients turns operator input into recipient address lists.
package recipients

import (
	"fmt"
	"net/mail"
	"strings"
)

// ParseList splits free text on newlines, commas and semicolons, trimming
// entries and dropping blanks.
func ParseList(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ';'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Dedup trims addresses and drops blanks and repeats, keeping first-occurrence order.
func Dedup(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Validate reports every entry that is not a bare e-mail address.
func Validate(addrs []string) error {
	var bad []string
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil || parsed.Address != a {
			bad = append(bad, a)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("invalid recipient addresses: %s", strings.Join(bad, ", "))
	}
	return nil
}
