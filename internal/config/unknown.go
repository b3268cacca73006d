package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each config section.
var knownKeys = map[string]map[string]bool{
	"autosave": {
		"debounce": true, "failsafe": true, "max_retries": true, "retry_backoff_base": true,
		"max_backoff": true, "save_timeout": true, "teardown_timeout": true, "flush_concurrency": true,
	},
	"remote":     {"endpoint": true, "connect_timeout": true, "user_agent": true},
	"fallback":   {"path": true, "stale_after": true},
	"server":     {"listen": true, "db_path": true},
	"validation": {"rules": true, "read_only": true},
	"logging":    {"log_level": true, "log_file": true, "log_format": true},
}

// knownSectionsList is the sorted list of section names for Levenshtein
// matching. Sorted for deterministic suggestions.
var knownSectionsList = sortedKeys(knownKeys)

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	reported := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := buildKeyError(key)
		if err == nil || reported[err.Error()] {
			continue
		}

		reported[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an undecoded key, naming
// the closest known section or key when there is one.
func buildKeyError(key toml.Key) error {
	section := key[0]

	fields, known := knownKeys[section]
	if !known {
		if suggestion := closestMatch(section, knownSectionsList); suggestion != "" {
			return fmt.Errorf("unknown config section %q, did you mean %q?", section, suggestion)
		}

		return fmt.Errorf("unknown config section %q", section)
	}

	if len(key) < 2 {
		return fmt.Errorf("config key %q must be a section", section)
	}

	name := key[1]
	if fields[name] {
		return nil
	}

	full := strings.Join([]string{section, name}, ".")

	if suggestion := closestMatch(name, sortedKeys(fields)); suggestion != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", full, section+"."+suggestion)
	}

	return fmt.Errorf("unknown config key %q", full)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization: no full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
