package commands

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
)

// DefaultPrefixes are the default command prefixes.
var DefaultPrefixes = []string{"!"}

// Prefix decides whether a message addresses the bot. It is either a set
// of literal prefixes, tried in order, or an anchored regular expression.
type Prefix struct {
	literals []string
	pattern  *regexp.Regexp
}

// NewPrefix creates a prefix from literal strings. Prefixes containing
// whitespace are rejected. "/" and ">" are accepted with a warning, since
// clients treat the first as a local command and the second starts a
// reply fallback.
func NewPrefix(logger *slog.Logger, prefixes ...string) (*Prefix, error) {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	if logger == nil {
		logger = slog.Default()
	}
	literals := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			return nil, fmt.Errorf("command prefix is empty")
		}
		if strings.ContainsFunc(p, unicode.IsSpace) {
			return nil, fmt.Errorf("command prefix %q contains whitespace", p)
		}
		literals = append(literals, p)
	}
	pfx := &Prefix{literals: literals}
	pfx.warn(logger)
	return pfx, nil
}

// NewPatternPrefix creates a prefix from a regular expression. The pattern
// is anchored at the start of the message.
func NewPatternPrefix(logger *slog.Logger, pattern string) (*Prefix, error) {
	if logger == nil {
		logger = slog.Default()
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil, fmt.Errorf("compile command prefix: %w", err)
	}
	pfx := &Prefix{pattern: re}
	pfx.warn(logger)
	return pfx, nil
}

func (p *Prefix) warn(logger *slog.Logger) {
	if _, ok := p.Match("/"); ok {
		logger.Warn("the prefix '/' may interfere with client-side commands on some clients")
	}
	if _, ok := p.Match(">"); ok {
		logger.Warn("the prefix '>' may interfere with reply fallback stripping")
	}
}

// Match returns the prefix text starts with.
func (p *Prefix) Match(text string) (string, bool) {
	if p.pattern != nil {
		loc := p.pattern.FindStringIndex(text)
		if loc == nil {
			return "", false
		}
		return text[:loc[1]], true
	}
	for _, prefix := range p.literals {
		if strings.HasPrefix(text, prefix) {
			return prefix, true
		}
	}
	return "", false
}

// String returns the first literal prefix, or the pattern source.
func (p *Prefix) String() string {
	if p.pattern != nil {
		return strings.TrimSuffix(strings.TrimPrefix(p.pattern.String(), `^(?:`), `)`)
	}
	return p.literals[0]
}

// ParsedCommand is a command line split into its parts.
type ParsedCommand struct {
	// Prefix is the matched prefix
	Prefix string

	// Name is the command name as typed
	Name string

	// Args is everything after the command name, unparsed
	Args string
}

// Invocation returns the prefix and name as they appeared in the message.
func (c *ParsedCommand) Invocation() string {
	return c.Prefix + c.Name
}

// Parse splits text into prefix, command name and argument string. The
// name runs from the end of the prefix to the first whitespace rune.
// It returns nil when text has no prefix or nothing follows it.
func (p *Prefix) Parse(text string) *ParsedCommand {
	prefix, ok := p.Match(text)
	if !ok {
		return nil
	}
	rest := text[len(prefix):]
	end := strings.IndexFunc(rest, unicode.IsSpace)
	if end == -1 {
		end = len(rest)
	}
	name := rest[:end]
	if name == "" {
		return nil
	}
	return &ParsedCommand{
		Prefix: prefix,
		Name:   name,
		Args:   rest[end:],
	}
}

// StripReplyFallback removes the quoted reply fallback clients prepend to
// replies: lines starting with ">" up to the first blank line. Text
// without a blank line is returned unchanged.
func StripReplyFallback(text string) (string, bool) {
	if !strings.HasPrefix(text, ">") {
		return text, false
	}
	_, body, found := strings.Cut(text, "\n\n")
	if !found {
		return text, false
	}
	return body, true
}
