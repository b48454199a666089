package wikitext

import (
	"regexp"
	"strconv"
	"strings"
)

// Values that mean "no data" when they make up the whole field.
var unknownExact = map[string]struct{}{
	"":        {},
	"?":       {},
	"??":      {},
	"unknown": {},
	"n/a":     {},
	"na":      {},
	"-":       {},
	"--":      {},
	"none":    {},
	"nothing": {},
}

// Markers that poison the whole value wherever they appear.
var unknownSubstrings = []string{"???", "variable"}

var (
	reParenthetical = regexp.MustCompile(`\([^)]*\)`)
	reDigitRun      = regexp.MustCompile(`[0-9]+`)
)

// IsUnknown reports whether s is an explicit unknown marker such as "???",
// "Variable" or "n/a".
func IsUnknown(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	if isUnknownExact(v) {
		return true
	}
	for _, m := range unknownSubstrings {
		if strings.Contains(v, m) {
			return true
		}
	}
	return false
}

func isUnknownExact(s string) bool {
	_, ok := unknownExact[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

// ParseCount parses an integer-like wiki value such as "50,000 (estimated)".
// It returns nil for unknown markers, empty values, ranges and anything that
// does not reduce to a single non-negative number.
func ParseCount(s string) *int64 {
	if IsUnknown(s) {
		return nil
	}
	v := reParenthetical.ReplaceAllString(s, "")
	v = strings.NewReplacer(",", "", " ", "", "\t", "", "\u00a0", "").Replace(v)
	v = strings.TrimSuffix(v, "+")
	if v == "" {
		return nil
	}

	runs := reDigitRun.FindAllString(v, -1)
	if len(runs) != 1 {
		return nil
	}
	// A leading minus sign or a decimal point makes the value non-integer.
	if strings.Contains(v, "-") || strings.Contains(v, ".") {
		return nil
	}
	n, err := strconv.ParseInt(runs[0], 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// ParseList splits a comma-separated wiki value into ordered labels,
// stripping parenthetical qualifiers and dropping empty or unknown tokens.
// The result is never nil.
func ParseList(s string) []string {
	if isUnknownExact(s) {
		return []string{}
	}
	v := reParenthetical.ReplaceAllString(s, "")
	return CleanList(strings.Split(v, ","))
}

// CleanList re-sanitizes already split labels. Applying it to the output of
// ParseList returns the same slice contents.
func CleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(reParenthetical.ReplaceAllString(item, ""))
		item = strings.Join(strings.Fields(item), " ")
		if IsUnknown(item) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// ParseText trims a free-text value and collapses unknown markers to nil.
func ParseText(s string) *string {
	v := strings.TrimSpace(s)
	if IsUnknown(v) {
		return nil
	}
	return &v
}
