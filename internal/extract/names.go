package extract

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const minNameLen = 5

var whitespace = regexp.MustCompile(`\s+`)

// normalizeName collapses whitespace and title-cases every word.
func normalizeName(raw string) string {
	collapsed := whitespace.ReplaceAllString(strings.TrimSpace(raw), " ")
	// Casers are stateful, so each call gets its own.
	return cases.Title(language.BrazilianPortuguese).String(strings.ToLower(collapsed))
}

// acceptableName reports whether a captured party looks like a person's name.
func acceptableName(name string) bool {
	if len([]rune(name)) < minNameLen {
		return false
	}
	words := strings.Fields(name)
	if len(words) < 2 {
		return false
	}
	for _, w := range words {
		if _, ok := boilerplateWords[strings.ToLower(w)]; ok {
			return false
		}
	}
	return true
}

// extractParties returns the distinct names captured by the first party pattern that
// produces at least one acceptable name.
func extractParties(text string) []string {
	for _, p := range partyPatterns {
		var names []string
		seen := make(map[string]struct{})
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			name := normalizeName(m[1])
			if !acceptableName(name) {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
		if len(names) > 0 {
			return names
		}
	}
	return nil
}

// extractRepresentatives returns "Name (OAB 12345/SP)" entries from the first matching pattern.
func extractRepresentatives(text string) []string {
	for _, p := range representativePatterns {
		var reps []string
		seen := make(map[string]struct{})
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			name := normalizeName(m[1])
			if name == "" {
				continue
			}
			rep := fmt.Sprintf("%s (OAB %s)", name, strings.ToUpper(m[2]))
			if _, dup := seen[rep]; dup {
				continue
			}
			seen[rep] = struct{}{}
			reps = append(reps, rep)
		}
		if len(reps) > 0 {
			return reps
		}
	}
	return nil
}
