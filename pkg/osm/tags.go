// Package osm holds small helpers shared across the pipeline: preferred
// name selection over OpenStreetMap tag sets and ASCII slug generation
// for on-disk file and scope names.
package osm

import (
	"strings"
	"unicode"
)

// Tags is an open-ended OSM key/value set. Unknown keys are preserved
// verbatim when features are written back to disk.
type Tags map[string]string

var preferredNameKeys = []string{
	"name:ru", "name", "name:en", "official_name:ru", "official_name", "short_name:ru", "short_name",
}

var preferredEnglishNameKeys = []string{
	"name:en", "int_name", "official_name:en", "official_name", "name", "short_name:en", "short_name",
}

var iso2Keys = []string{
	"ISO3166-1:alpha2", "ISO3166-1", "iso3166-1:alpha2", "iso3166-1",
}

// PreferredName returns the first non-empty value among the display name
// tags, or "".
func PreferredName(tags Tags) string {
	return firstNonEmpty(tags, preferredNameKeys)
}

// PreferredEnglishName returns the first non-empty value among the
// latin-friendly name tags, or "".
func PreferredEnglishName(tags Tags) string {
	return firstNonEmpty(tags, preferredEnglishNameKeys)
}

// ISO2 returns the two-letter uppercase country code from the
// ISO3166-1 tags, or "".
func ISO2(tags Tags) string {
	for _, key := range iso2Keys {
		v, ok := tags[key]
		if !ok {
			continue
		}
		norm := strings.ToUpper(strings.TrimSpace(v))
		if len(norm) == 2 && isASCIIAlpha(norm) {
			return norm
		}
	}
	return ""
}

func firstNonEmpty(tags Tags, keys []string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(tags[key]); v != "" {
			return v
		}
	}
	return ""
}

func isASCIIAlpha(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}
