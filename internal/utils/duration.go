package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidDuration = errors.New("invalid duration")

var durationPart = regexp.MustCompile(`(\d+)([hms])`)

// ParseDuration reads composite NhNmNs strings such as "24h", "1h30m" or
// "45s". Each unit may appear at most once and in that order.
func ParseDuration(raw string) (time.Duration, error) {
	value := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
	if value == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidDuration)
	}

	matches := durationPart.FindAllStringSubmatchIndex(value, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
	}

	order := map[byte]int{'h': 0, 'm': 1, 's': 2}
	unit := map[byte]int{'h': 3600, 'm': 60, 's': 1}
	last := -1
	cursor := 0
	seconds := 0
	for _, match := range matches {
		if match[0] != cursor {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
		}
		suffix := value[match[4]]
		if order[suffix] <= last {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
		}
		last = order[suffix]
		n, err := strconv.Atoi(value[match[2]:match[3]])
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
		}
		seconds += n * unit[suffix]
		cursor = match[1]
	}
	if cursor != len(value) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
	}
	return time.Duration(seconds) * time.Second, nil
}

// FormatDuration renders whole seconds back into the NhNmNs form.
func FormatDuration(d time.Duration) string {
	total := int(d / time.Second)
	if total <= 0 {
		return "0s"
	}
	var b strings.Builder
	if h := total / 3600; h > 0 {
		fmt.Fprintf(&b, "%dh", h)
	}
	if m := total % 3600 / 60; m > 0 {
		fmt.Fprintf(&b, "%dm", m)
	}
	if s := total % 60; s > 0 {
		fmt.Fprintf(&b, "%ds", s)
	}
	return b.String()
}
