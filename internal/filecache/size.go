package filecache

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses the memory-size grammar <integer>[B|KB|MB|GB]. Units are
// case-insensitive and 1024-based; a bare integer is a byte count.
func ParseSize(s string) (int64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(v, "GB"):
		multiplier = 1 << 30
		v = strings.TrimSuffix(v, "GB")
	case strings.HasSuffix(v, "MB"):
		multiplier = 1 << 20
		v = strings.TrimSuffix(v, "MB")
	case strings.HasSuffix(v, "KB"):
		multiplier = 1 << 10
		v = strings.TrimSuffix(v, "KB")
	case strings.HasSuffix(v, "B"):
		v = strings.TrimSuffix(v, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	if n > (1<<63-1)/multiplier {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSize, s)
	}
	return n * multiplier, nil
}

// FormatSize renders n bytes in the largest unit that divides it exactly.
func FormatSize(n int64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return strconv.FormatInt(n>>30, 10) + "GB"
	case n >= 1<<20 && n%(1<<20) == 0:
		return strconv.FormatInt(n>>20, 10) + "MB"
	case n >= 1<<10 && n%(1<<10) == 0:
		return strconv.FormatInt(n>>10, 10) + "KB"
	}
	return strconv.FormatInt(n, 10) + "B"
}
