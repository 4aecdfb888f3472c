package osm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fixed letter-to-digraph transliteration for Russian Cyrillic. Hard and
// soft signs map to nothing; the first letter of a mapping is uppercased
// when the source rune was uppercase.
var cyrillicMap = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d",
	'е': "e", 'ё': "yo", 'ж': "zh", 'з': "z", 'и': "i",
	'й': "y", 'к': "k", 'л': "l", 'м': "m", 'н': "n",
	'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t",
	'у': "u", 'ф': "f", 'х': "h", 'ц': "ts", 'ч': "ch",
	'ш': "sh", 'щ': "sch", 'ъ': "", 'ы': "y", 'ь': "",
	'э': "e", 'ю': "yu", 'я': "ya",
}

// asciiFold strips diacritics via compatibility decomposition and drops
// anything that still is not ASCII.
var asciiFold = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
)

func translitRu(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		low := unicode.ToLower(r)
		tr, ok := cyrillicMap[low]
		if !ok {
			b.WriteRune(r)
			continue
		}
		if unicode.IsUpper(r) && tr != "" {
			b.WriteString(strings.ToUpper(tr[:1]) + tr[1:])
			continue
		}
		b.WriteString(tr)
	}
	return b.String()
}

// Slugify produces a lowercase ASCII slug of at most maxLen runes:
// groups of [a-z0-9] joined by single dashes. Returns "unnamed" when
// nothing survives.
func Slugify(text string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 80
	}
	t := strings.TrimSpace(text)
	if t == "" {
		return "unnamed"
	}
	t = translitRu(t)
	if folded, _, err := transform.String(asciiFold, t); err == nil {
		t = folded
	}
	t = strings.ToLower(t)

	var b strings.Builder
	prevDash := true // suppress a leading dash
	for _, r := range t {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevDash = false
		} else if !prevDash {
			b.WriteByte('-')
			prevDash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxLen {
		out = strings.TrimRight(out[:maxLen], "-")
	}
	if out == "" {
		return "unnamed"
	}
	return out
}
