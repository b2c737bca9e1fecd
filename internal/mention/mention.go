// Package mention handles @mention extraction from discussion messages
// and the name-key normalization used to match notification recipients.
package mention

import (
	"regexp"
	"strings"
)

var (
	tokenPattern       = regexp.MustCompile(`@([a-zA-Z0-9._-]+)`)
	nonAlphanumPattern = regexp.MustCompile(`[^a-z0-9]+`)
)

// NormalizeNameKey reduces a display name or handle to its canonical
// lookup key: lowercase, non-alphanumeric runs collapsed to a single
// dot, leading and trailing dots removed. "Alex Johnson" and
// "alex.johnson" normalize to the same key.
func NormalizeNameKey(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	keyed := nonAlphanumPattern.ReplaceAllString(lowered, ".")
	return strings.Trim(keyed, ".")
}

// ViewerNameKeys derives the keys under which a viewer may match stored
// notification recipients: the full normalized key, the first
// dot-delimited token, and the concatenated no-separator form. Any match
// is sufficient, which tolerates minor naming variations ("Alex
// Johnson" vs "alex" vs "alexjohnson").
func ViewerNameKeys(name string) []string {
	key := NormalizeNameKey(name)
	if key == "" {
		return nil
	}
	firstToken, _, _ := strings.Cut(key, ".")
	noDots := strings.ReplaceAll(key, ".", "")

	keys := make([]string, 0, 3)
	seen := make(map[string]struct{}, 3)
	for _, candidate := range []string{key, firstToken, noDots} {
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		keys = append(keys, candidate)
	}
	return keys
}

// MatchesViewer reports whether a stored recipient key belongs to the
// named viewer.
func MatchesViewer(recipientKey, viewerName string) bool {
	normalized := NormalizeNameKey(recipientKey)
	for _, key := range ViewerNameKeys(viewerName) {
		if key == normalized {
			return true
		}
	}
	return false
}

// Extract returns the deduplicated, normalized name keys of every
// @mention token in the message, in first-appearance order.
func Extract(message string) []string {
	matches := tokenPattern.FindAllStringSubmatch(message, -1)
	keys := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, match := range matches {
		key := NormalizeNameKey(match[1])
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// ExtractForAuthor behaves like Extract but drops mentions that resolve
// to the author's own name key, so actors never notify themselves.
func ExtractForAuthor(message, authorName string) []string {
	authorKey := NormalizeNameKey(authorName)
	keys := Extract(message)
	filtered := keys[:0]
	for _, key := range keys {
		if key == authorKey {
			continue
		}
		filtered = append(filtered, key)
	}
	return filtered
}
