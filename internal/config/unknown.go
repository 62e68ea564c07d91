package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownSections maps each config section to its valid keys.
var knownSections = map[string][]string{
	"sync":     {"endpoint", "client_id", "realtime_url", "conflict_strategy"},
	"polling":  {"active_interval", "normal_interval", "idle_interval", "baseline_interval", "idle_probe"},
	"activity": {"tick_interval", "decay_factor", "active_window", "idle_after", "edit_override", "active_score"},
	"offline":  {"max_queue_size", "batch_size", "debounce", "retry_delay", "sweep_interval"},
	"realtime": {"enabled", "connect_timeout", "heartbeat_interval", "reconnect_base", "max_reconnect_attempts"},
	"state":    {"backend", "dir"},
	"logging":  {"log_level", "log_file", "log_format", "log_retention_days"},
	"network":  {"connect_timeout", "data_timeout", "user_agent", "force_http_11"},
}

// knownSectionList is the sorted section names, for deterministic
// suggestions when two candidates have the same edit distance.
var knownSectionList = func() []string {
	names := make([]string, 0, len(knownSections))
	for k := range knownSections {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}()

// sectionOf returns the section that owns key, for suggesting the right
// place when a key is written at the top level.
func sectionOf(key string) string {
	for _, section := range knownSectionList {
		if slices.Contains(knownSections[section], key) {
			return section
		}
	}

	return ""
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		errs = append(errs, buildKeyError(key))
	}

	return errors.Join(errs...)
}

// buildKeyError describes one undecoded key. Keys under a known section are
// matched against that section's keys; anything else is matched against
// section names.
func buildKeyError(key toml.Key) error {
	if len(key) == 1 {
		name := key[0]

		if section := sectionOf(name); section != "" {
			return fmt.Errorf("unknown config key %q: it belongs in the [%s] section", name, section)
		}

		if suggestion := closestMatch(name, knownSectionList); suggestion != "" {
			return fmt.Errorf("unknown config key %q, did you mean [%s]?", name, suggestion)
		}

		return fmt.Errorf("unknown config key %q", name)
	}

	section, field := key[0], key[1]

	keys, ok := knownSections[section]
	if !ok {
		if suggestion := closestMatch(section, knownSectionList); suggestion != "" {
			return fmt.Errorf("unknown config section [%s], did you mean [%s]?", section, suggestion)
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	if suggestion := closestMatch(field, keys); suggestion != "" {
		return fmt.Errorf("unknown config key %q in [%s], did you mean %q?", field, section, suggestion)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
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

	// Use single-row optimization to avoid allocating a full matrix.
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

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
