package market

import (
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Direction marks and BOMs the exchange pages sprinkle into cells.
var invisible = runes.Predicate(func(r rune) bool {
	switch r {
	case '\u200e', '\u200f', '\u202a', '\u202b', '\u202c', '\ufeff':
		return true
	}
	return false
})

var nbsp = runes.Map(func(r rune) rune {
	if r == '\u00a0' {
		return ' '
	}
	return r
})

// arabicToPersian folds the Arabic yeh and kaf to their Persian forms. The
// listing mixes both, so lookups by name only line up once folded.
var arabicToPersian = runes.Map(func(r rune) rune {
	switch r {
	case '\u064a': // ARABIC LETTER YEH
		return '\u06cc'
	case '\u0643': // ARABIC LETTER KAF
		return '\u06a9'
	}
	return r
})

// newCleaner builds a fresh transformer per call; transform chains keep
// state and are not safe to share between goroutines.
func newCleaner(foldArabic bool) transform.Transformer {
	if foldArabic {
		return transform.Chain(norm.NFC, runes.Remove(invisible), nbsp, arabicToPersian)
	}
	return transform.Chain(norm.NFC, runes.Remove(invisible), nbsp)
}

// CleanText normalizes a scraped cell: NFC, invisible direction marks
// stripped, non-breaking spaces turned into spaces and the result trimmed.
func CleanText(s string, foldArabic bool) string {
	out, _, err := transform.String(newCleaner(foldArabic), s)
	if err != nil {
		out = s
	}
	return strings.TrimSpace(out)
}

type parseOptions struct {
	foldArabic bool
}

// ParseOption tunes the HTML parsers.
type ParseOption func(*parseOptions)

// WithArabicFolding folds Arabic yeh/kaf into their Persian forms in every
// parsed cell.
func WithArabicFolding(enabled bool) ParseOption {
	return func(o *parseOptions) {
		o.foldArabic = enabled
	}
}

func newParseOptions(opts []ParseOption) parseOptions {
	var o parseOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o parseOptions) clean(s string) string {
	return CleanText(s, o.foldArabic)
}
