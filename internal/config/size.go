package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize converts a human-readable size ("2GiB", "500 MB", "1048576") to
// bytes. Both SI and IEC suffixes are accepted. Empty string and "0" mean 0,
// which disables a size limit.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}

	return int64(n), nil
}
