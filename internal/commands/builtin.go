package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// maxHelpDescription bounds a description in the command listing.
const maxHelpDescription = 100

// RegisterBuiltins registers the built-in commands.
func RegisterBuiltins(r *Registry) error {
	return r.Register(&Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "Shows a list of commands for this bot",
		Category:    "system",
		Arguments: []Argument{
			{Name: "command", Kind: KindString, Description: "command to describe"},
		},
		Handler: helpHandler(r),
	})
}

// Usage returns the declared usage of cmd, or one generated from its
// arguments: <required>, [optional], and a trailing ... for arguments that
// take the rest of the input.
func Usage(prefix string, cmd *Command) string {
	if cmd.Usage != "" {
		return cmd.Usage
	}
	parts := []string{prefix + cmd.Name}
	for _, arg := range cmd.Arguments {
		if arg.Kind == KindContext {
			continue
		}
		name := arg.Name
		if arg.Greedy || arg.Variadic {
			name += "..."
		}
		if arg.Required {
			parts = append(parts, "<"+name+">")
		} else {
			parts = append(parts, "["+name+"]")
		}
	}
	return strings.Join(parts, " ")
}

// titleCase converts the first letter to uppercase.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func displayName(prefix string, cmd *Command) string {
	names := append([]string{cmd.Name}, cmd.Aliases...)
	return fmt.Sprintf("%s[%s]", prefix, strings.Join(names, "|"))
}

func shorten(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit-3])) + "..."
}

func helpHandler(r *Registry) Handler {
	return func(ctx context.Context, inv *Context, args *Args) (*Result, error) {
		prefix := inv.Prefix

		// If specific command requested
		if name := args.String("command"); name != "" {
			cmd, exists := r.Get(strings.TrimPrefix(name, prefix))
			if !exists || cmd.Hidden {
				return &Result{Text: "No command with that name found!"}, nil
			}

			var sb strings.Builder
			sb.WriteString(fmt.Sprintf("* %s:\n", displayName(prefix, cmd)))
			description := cmd.Description
			if description == "" {
				description = "No description."
			}
			for _, line := range strings.Split(description, "\n") {
				sb.WriteString(">\t" + line + "\n")
			}
			sb.WriteString(fmt.Sprintf("\nUsage: %s", Usage(prefix, cmd)))
			for _, arg := range cmd.Arguments {
				if arg.Kind == KindContext || arg.Description == "" {
					continue
				}
				sb.WriteString(fmt.Sprintf("\n  %s: %s", arg.Name, arg.Description))
			}

			return &Result{Text: sb.String()}, nil
		}

		byCategory := r.ListByCategory()
		categories := make([]string, 0, len(byCategory))
		for cat := range byCategory {
			categories = append(categories, cat)
		}
		sort.Strings(categories)

		var sb strings.Builder
		for i, category := range categories {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(titleCase(category) + "\n")
			for _, cmd := range byCategory[category] {
				desc := cmd.Description
				if desc != "" {
					desc = shorten(strings.SplitN(desc, "\n", 2)[0], maxHelpDescription)
				} else {
					desc = "No description."
				}
				sb.WriteString(fmt.Sprintf("* %s: %s\n", displayName(prefix, cmd), desc))
			}
		}

		return &Result{
			Text: strings.TrimRight(sb.String(), "\n"),
			Data: map[string]any{"categories": categories},
		}, nil
	}
}
