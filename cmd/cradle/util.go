package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// parseAt accepts "HH:MM" (today in loc) or "YYYY-MM-DD HH:MM" (in loc).
func parseAt(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("15:04", s, loc); err == nil {
		y, m, d := now.In(loc).Date()
		return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc), nil
	}
	return time.Time{}, fmt.Errorf(`could not parse time %q: use "HH:MM" (e.g. 07:32) or "YYYY-MM-DD HH:MM" (e.g. 2025-08-04 07:32)`, s)
}

// parseMeta turns key=value pairs into metadata. Integers, floats and
// booleans are typed; anything else stays a string. With allowDelete an
// empty value ("key=") maps to nil, which deletes the key on amend.
func parseMeta(pairs []string, allowDelete bool) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", kv)
		}
		v = strings.TrimSpace(v)
		if v == "" {
			if !allowDelete {
				return nil, fmt.Errorf("invalid --meta %q: empty value", kv)
			}
			out[k] = nil
			continue
		}
		out[k] = scalar(v)
	}
	return out, nil
}

// scalar types a --meta value. Numbers are always float64, matching how the
// daemon stores them.
func scalar(v string) any {
	if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	return v
}
