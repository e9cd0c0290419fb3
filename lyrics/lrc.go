package lyrics

import (
	"strconv"
	"strings"
)

// ParseLRC extracts timed lines from LRC-formatted text, e.g.
// "[01:23.45] some words". Lines without a valid timestamp and metadata tags
// like [ar:...] are skipped. Lines sharing a timestamp keep only the first
// occurrence so the result satisfies NewTimeline's strict ordering.
func ParseLRC(raw string) []Line {
	var out []Line
	var last int64 = -1
	for _, row := range strings.Split(raw, "\n") {
		row = strings.TrimSpace(row)
		if !strings.HasPrefix(row, "[") {
			continue
		}
		end := strings.Index(row, "]")
		if end < 0 {
			continue
		}
		ms, ok := parseLRCTimestamp(row[1:end])
		if !ok {
			continue
		}
		text := strings.TrimSpace(row[end+1:])
		if ms <= last {
			continue
		}
		out = append(out, Line{StartMs: ms, Text: text})
		last = ms
	}
	return out
}

// parseLRCTimestamp parses "mm:ss.xx" or "mm:ss.xxx" (also bare "mm:ss").
func parseLRCTimestamp(s string) (int64, bool) {
	colon := strings.Index(s, ":")
	if colon < 0 {
		return 0, false
	}
	min, err := strconv.Atoi(s[:colon])
	if err != nil || min < 0 {
		return 0, false
	}
	rest := s[colon+1:]
	secPart := rest
	fracMs := int64(0)
	if dot := strings.IndexAny(rest, "."); dot >= 0 {
		secPart = rest[:dot]
		frac := rest[dot+1:]
		if frac == "" {
			return 0, false
		}
		// pad/truncate the fraction to milliseconds
		for len(frac) < 3 {
			frac += "0"
		}
		frac = frac[:3]
		f, err := strconv.Atoi(frac)
		if err != nil {
			return 0, false
		}
		fracMs = int64(f)
	}
	sec, err := strconv.Atoi(secPart)
	if err != nil || sec < 0 || sec > 59 {
		return 0, false
	}
	return int64(min)*60000 + int64(sec)*1000 + fracMs, true
}
