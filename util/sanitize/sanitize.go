// Package sanitize turns free-form user input into names safe for git refs,
// directory names, and container labels.
package sanitize

import (
	"regexp"
	"strings"
)

const (
	// MaxSlugLength caps slug length so derived branch and directory names
	// stay manageable.
	MaxSlugLength = 48
)

var (
	// nonAlphanumericRegex matches runs of anything outside [a-z0-9]
	nonAlphanumericRegex = regexp.MustCompile(`[^a-z0-9]+`)

	// multiDashRegex matches multiple consecutive dashes
	multiDashRegex = regexp.MustCompile(`-+`)
)

// Slug converts a free-form feature name into a lowercase hyphenated slug:
// non-alphanumeric runs collapse to a single hyphen, leading and trailing
// hyphens are trimmed, and the result is capped at MaxSlugLength.
//
// "Add Dark Mode!" becomes "add-dark-mode".
func Slug(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumericRegex.ReplaceAllString(s, "-")
	s = multiDashRegex.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")

	if len(s) > MaxSlugLength {
		s = s[:MaxSlugLength]
		s = strings.TrimRight(s, "-")
	}

	return s
}

// ForDockerLabel sanitizes a string for use as a container label value.
// Labels may contain alphanumerics, periods, hyphens, and underscores.
func ForDockerLabel(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ToLower(s)
	invalid := regexp.MustCompile(`[^a-z0-9._-]+`)
	s = invalid.ReplaceAllString(s, "_")
	s = regexp.MustCompile(`_+`).ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}
