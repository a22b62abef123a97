package commands

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
)

// Args holds the bound arguments of one invocation, in declaration order.
type Args struct {
	names  []string
	values []any
	index  map[string]int
}

func newArgs(capacity int) *Args {
	return &Args{
		names:  make([]string, 0, capacity),
		values: make([]any, 0, capacity),
		index:  make(map[string]int, capacity),
	}
}

func (a *Args) bind(name string, value any) {
	a.index[name] = len(a.values)
	a.names = append(a.names, name)
	a.values = append(a.values, value)
}

// Len returns the number of bound arguments.
func (a *Args) Len() int {
	return len(a.values)
}

// Values returns the bound values in declaration order.
func (a *Args) Values() []any {
	return a.values
}

// Names returns the argument names in declaration order.
func (a *Args) Names() []string {
	return a.names
}

// Get returns the value bound to name.
func (a *Args) Get(name string) (any, bool) {
	i, ok := a.index[name]
	if !ok {
		return nil, false
	}
	return a.values[i], true
}

// Has reports whether name is bound to a non-nil value.
func (a *Args) Has(name string) bool {
	v, ok := a.Get(name)
	return ok && v != nil
}

// String returns name as a string, or "" if it is unset or not a string.
func (a *Args) String(name string) string {
	v, _ := a.Get(name)
	s, _ := v.(string)
	return s
}

// Int returns name as an int64, or 0 if it is unset or not an integer.
func (a *Args) Int(name string) int64 {
	v, _ := a.Get(name)
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// Float returns name as a float64, converting integers.
func (a *Args) Float(name string) float64 {
	v, _ := a.Get(name)
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

// Bool returns name as a bool, or false if it is unset.
func (a *Args) Bool(name string) bool {
	v, _ := a.Get(name)
	b, _ := v.(bool)
	return b
}

// Strings returns a variadic argument as strings.
func (a *Args) Strings(name string) []string {
	v, _ := a.Get(name)
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Binder binds tokens to a command's declared arguments.
type Binder struct {
	parsers *ParserRegistry
	logger  *slog.Logger
}

// NewBinder creates a binder using the given parser registry.
func NewBinder(parsers *ParserRegistry, logger *slog.Logger) *Binder {
	if parsers == nil {
		parsers = NewParserRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{parsers: parsers, logger: logger.With("component", "binder")}
}

// Bind walks the declared arguments in order and binds each one from
// tokens. It stops at the first failure; every error is a *Error with a
// preparation code. Leftover tokens are an error unless the last argument
// is greedy or variadic.
func (b *Binder) Bind(ctx context.Context, inv *Context, command string, declared []Argument, tokens []string) (*Args, error) {
	args := newArgs(len(declared))
	remaining := tokens

	for i := range declared {
		arg := &declared[i]

		if arg.Kind == KindContext {
			args.bind(arg.Name, inv)
			continue
		}

		if len(remaining) == 0 {
			value, err := b.bindDefault(command, arg)
			if err != nil {
				return nil, err
			}
			args.bind(arg.Name, value)
			continue
		}

		switch {
		case arg.Greedy:
			raw := joinTokens(remaining)
			remaining = nil
			value, err := b.parse(ctx, inv, command, arg, raw)
			if err != nil {
				return nil, err
			}
			args.bind(arg.Name, value)

		case arg.Variadic:
			values := make([]any, 0, len(remaining))
			for _, token := range remaining {
				value, err := b.parse(ctx, inv, command, arg, token)
				if err != nil {
					return nil, err
				}
				values = append(values, value)
			}
			remaining = nil
			args.bind(arg.Name, values)

		default:
			token := remaining[0]
			remaining = remaining[1:]
			value, err := b.parse(ctx, inv, command, arg, token)
			if err != nil {
				return nil, err
			}
			args.bind(arg.Name, value)
		}
	}

	if len(remaining) > 0 {
		return nil, ErrTooManyArguments(command, remaining)
	}
	return args, nil
}

func (b *Binder) bindDefault(command string, arg *Argument) (any, error) {
	if arg.Default != nil {
		return arg.Default, nil
	}
	switch {
	case arg.Greedy:
		return "", nil
	case arg.Variadic:
		return []any{}, nil
	case arg.Required:
		return nil, ErrMissingArgument(command, arg.Name)
	}
	return nil, nil
}

func (b *Binder) parse(ctx context.Context, inv *Context, command string, arg *Argument, raw string) (any, error) {
	parser, ok := b.parsers.Lookup(arg)
	if !ok {
		return nil, ErrParserFailed(command, arg.Name, raw, fmt.Errorf("no parser for kind %q", arg.Kind))
	}
	value, err := b.runParser(ctx, parser, inv, arg, raw)
	if err != nil {
		b.logger.Debug("argument parser failed",
			"command", command,
			"argument", arg.Name,
			"kind", arg.Kind,
			"error", err)
		return nil, ErrParserFailed(command, arg.Name, raw, err)
	}
	return value, nil
}

// runParser converts a panicking parser into a parse error.
func (b *Binder) runParser(ctx context.Context, parser Parser, inv *Context, arg *Argument, raw string) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("argument parser panicked",
				"argument", arg.Name,
				"kind", arg.Kind,
				"panic", r,
				"stack", string(debug.Stack()))
			value = nil
			err = fmt.Errorf("parser panicked: %v", r)
		}
	}()
	return parser.Parse(ctx, inv, arg, raw)
}

func joinTokens(tokens []string) string {
	return strings.Join(tokens, " ")
}
