package commands

import (
	"log/slog"
	"strings"
	"unicode"
)

// Quotes are the glyphs that open and close a quoted argument.
var Quotes = []rune{'"', '\'', '`'}

// escapeMarker makes the quote glyph that follows it literal.
const escapeMarker = '\\'

// ArgumentView splits a command line into arguments, honoring quotes.
//
// For example, the input `1 "2 3" 4` yields three arguments: `1`, `2 3`
// and `4`. A quote preceded by a backslash is kept literally, and a quote
// that is never closed swallows the rest of the input into one argument.
type ArgumentView struct {
	source    []rune
	index     int
	arguments []string
	logger    *slog.Logger
}

// NewArgumentView creates a view over the given command line.
func NewArgumentView(source string) *ArgumentView {
	return &ArgumentView{
		source: []rune(source),
		logger: slog.Default().With("component", "argview"),
	}
}

// Tokenize is shorthand for NewArgumentView(source).Parse().
func Tokenize(source string) []string {
	return NewArgumentView(source).Parse()
}

// Arguments returns the arguments collected so far.
func (v *ArgumentView) Arguments() []string {
	return v.arguments
}

// EOF reports whether the cursor has reached the end of the input.
func (v *ArgumentView) EOF() bool {
	return v.index >= len(v.source)
}

func (v *ArgumentView) add(argument string) {
	if argument == "" {
		v.logger.Debug("dropping empty argument", "index", v.index)
		return
	}
	v.arguments = append(v.arguments, argument)
}

func (v *ArgumentView) escaped() bool {
	return v.index > 0 && v.source[v.index-1] == escapeMarker
}

// Parse scans the whole input and returns the resulting arguments.
// Calling Parse again rescans from the start.
func (v *ArgumentView) Parse() []string {
	v.index = 0
	v.arguments = nil

	var buf strings.Builder
	var quote rune
	quoted := false

	for ; !v.EOF(); v.index++ {
		char := v.source[v.index]
		switch {
		case isQuote(char):
			switch {
			case quoted && (v.escaped() || char != quote):
				// Escaped, or a different glyph than the one that opened the span.
				buf.WriteRune(char)
			case quoted:
				quoted = false
				quote = 0
				v.add(buf.String())
				buf.Reset()
			case v.escaped():
				buf.WriteRune(char)
			default:
				quoted = true
				quote = char
			}
		case unicode.IsSpace(char):
			if quoted {
				buf.WriteRune(char)
				continue
			}
			v.add(buf.String())
			buf.Reset()
		default:
			buf.WriteRune(char)
		}
	}

	if buf.Len() > 0 {
		v.add(buf.String())
	}
	return v.arguments
}

func isQuote(char rune) bool {
	for _, q := range Quotes {
		if q == char {
			return true
		}
	}
	return false
}
