// Package tileurl validates and materializes tile URL templates.
package tileurl

import (
	"strconv"
	"strings"
)

// Placeholders recognized in templates. Substitution is literal text
// replacement; nothing else is interpreted.
const (
	PlaceholderX = "{x}"
	PlaceholderY = "{y}"
	PlaceholderZ = "{z}"
	PlaceholderS = "{s}"
)

// DefaultSubdomains is used when a template declares {s} but the caller
// supplied no subdomains.
var DefaultSubdomains = []string{"a", "b", "c"}

// Validation is the result of checking a template.
type Validation struct {
	Valid        bool
	Placeholders []string
	Missing      []string
	Warnings     []string
}

// Validate checks that a template carries the required placeholders.
// A template is valid iff {x}, {y} and {z} are all present.
func Validate(template string, hasSubdomains bool) Validation {
	var v Validation
	for _, p := range []string{PlaceholderX, PlaceholderY, PlaceholderZ} {
		if strings.Contains(template, p) {
			v.Placeholders = append(v.Placeholders, p)
		} else {
			v.Missing = append(v.Missing, p)
		}
	}
	hasS := strings.Contains(template, PlaceholderS)
	if hasS {
		v.Placeholders = append(v.Placeholders, PlaceholderS)
	}
	v.Valid = len(v.Missing) == 0
	if hasS && !hasSubdomains {
		v.Warnings = append(v.Warnings, "template declares {s} but no subdomains are configured; using defaults a,b,c")
	}
	if !hasS && hasSubdomains {
		v.Warnings = append(v.Warnings, "subdomains are configured but the template has no {s} placeholder")
	}
	return v
}

// Materialize substitutes each placeholder once and returns the concrete URL.
func Materialize(template string, x, y, z int, subdomain string) string {
	url := strings.Replace(template, PlaceholderX, strconv.Itoa(x), 1)
	url = strings.Replace(url, PlaceholderY, strconv.Itoa(y), 1)
	url = strings.Replace(url, PlaceholderZ, strconv.Itoa(z), 1)
	if subdomain != "" {
		url = strings.Replace(url, PlaceholderS, subdomain, 1)
	}
	return url
}

// Rotator cycles round-robin through tile server subdomains. The index
// advances monotonically across all materializations of one run.
type Rotator struct {
	subdomains []string
	next       int
}

// NewRotator creates a rotator over the given subdomains. A nil or empty
// slice yields a rotator that always returns "".
func NewRotator(subdomains []string) *Rotator {
	return &Rotator{subdomains: subdomains}
}

// Next returns the next subdomain in rotation, or "" when none are
// configured.
func (r *Rotator) Next() string {
	if len(r.subdomains) == 0 {
		return ""
	}
	s := r.subdomains[r.next%len(r.subdomains)]
	r.next++
	return s
}
