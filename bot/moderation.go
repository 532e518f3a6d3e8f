package bot

import "strings"

// DefaultDenylist is the word list the moderation scan flags.
var DefaultDenylist = []string{"spam", "hack", "cheat"}

// flagged reports the first denylisted word contained in text, case-insensitively.
func flagged(text string, denylist []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, w := range denylist {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" && strings.Contains(lower, w) {
			return w, true
		}
	}
	return "", false
}
