package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// mountSection is the table holding [mount.<name>] sections.
const mountSection = "mount"

// knownSectionKeys are the valid keys of each fixed section.
var knownSectionKeys = map[string][]string{
	"app":     {"client_id", "client_secret", "redirect_uri", "tenant"},
	"store":   {"backend", "dynamodb_expiry_index", "dynamodb_table", "kms_key_id", "path", "region"},
	"tokens":  {"refresh_margin", "serialize_refresh", "sweep_interval", "sweep_margin", "sweep_workers"},
	"network": {"burst", "download_timeout", "max_download_size", "metadata_timeout", "requests_per_second", "temp_dir", "user_agent"},
	"logging": {"log_file", "log_format", "log_level"},
	"metrics": {"listen"},
}

// knownMountKeys are the valid keys inside a [mount.<name>] section.
var knownMountKeys = []string{"identity", "library", "scope_id", "site_url"}

// knownSections is the sorted list of top-level tables.
var knownSections = func() []string {
	keys := make([]string, 0, len(knownSectionKeys)+1)
	for k := range knownSectionKeys {
		keys = append(keys, k)
	}

	keys = append(keys, mountSection)
	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	reported := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)
		if err == nil || reported[err.Error()] {
			continue
		}

		reported[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError builds the error for one undecoded key, or nil when the
// key is a table header whose children were reported on their own.
func unknownKeyError(key toml.Key) error {
	section := key[0]

	known, fixed := knownSectionKeys[section]

	switch {
	case fixed && len(key) >= 2:
		return suggest(fmt.Sprintf("[%s]", section), key[1], known)
	case section == mountSection && len(key) >= 3:
		return suggest(fmt.Sprintf("[mount.%s]", key[1]), key[2], knownMountKeys)
	case section == mountSection, fixed:
		return nil
	default:
		return suggest("config", section, knownSections)
	}
}

func suggest(where, field string, known []string) error {
	if s := closestMatch(field, known); s != "" {
		return fmt.Errorf("unknown key %q in %s, did you mean %q?", field, where, s)
	}

	return fmt.Errorf("unknown key %q in %s", field, where)
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
