package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var hhmmRe = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseInterval converts an "HH:MM" scheduler duration into a time.Duration.
// Minutes must be below 60. A zero interval is rejected: a scheduled device
// must fire at least once per interval.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	m := hhmmRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("interval %q is not in HH:MM form", raw)
	}

	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	if minutes >= 60 {
		return 0, fmt.Errorf("interval %q has %d minutes", raw, minutes)
	}

	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", raw)
	}
	return d, nil
}

// FormatInterval renders d back to "HH:MM", truncating seconds.
func FormatInterval(d time.Duration) string {
	total := int(d / time.Minute)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
