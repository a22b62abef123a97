package commands

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// RegistryOptions configures name matching.
type RegistryOptions struct {
	// CaseSensitive disables case folding of command names and aliases
	CaseSensitive bool
}

// Registry manages command registrations.
type Registry struct {
	commands      map[string]*Command // name -> command
	aliases       map[string]string   // alias -> name
	categories    map[string][]*Command
	modules       map[string][]string // module -> command names
	caseSensitive bool
	logger        *slog.Logger
	mu            sync.RWMutex
}

// NewRegistry creates a new command registry with case-insensitive names.
func NewRegistry(logger *slog.Logger) *Registry {
	return NewRegistryWithOptions(logger, RegistryOptions{})
}

// NewRegistryWithOptions creates a new command registry.
func NewRegistryWithOptions(logger *slog.Logger, opts RegistryOptions) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands:      make(map[string]*Command),
		aliases:       make(map[string]string),
		categories:    make(map[string][]*Command),
		modules:       make(map[string][]string),
		caseSensitive: opts.CaseSensitive,
		logger:        logger.With("component", "commands"),
	}
}

func (r *Registry) normalize(name string) string {
	name = strings.TrimSpace(name)
	if r.caseSensitive {
		return name
	}
	return strings.ToLower(name)
}

// Register adds a command to the registry. The argument list is validated
// and any clash between the new name or aliases and existing ones is an
// error; nothing is registered in that case.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("command is nil")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command handler is required")
	}

	name := r.normalize(cmd.Name)
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	if strings.ContainsFunc(name, unicode.IsSpace) {
		return fmt.Errorf("command name %q contains whitespace", name)
	}
	if err := ValidateArguments(cmd.Arguments); err != nil {
		return fmt.Errorf("command %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for conflicts
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	if existingName, exists := r.aliases[name]; exists {
		return fmt.Errorf("command name %q conflicts with alias for %q", name, existingName)
	}

	aliases := make([]string, 0, len(cmd.Aliases))
	seen := map[string]bool{name: true}
	for _, alias := range cmd.Aliases {
		alias = r.normalize(alias)
		if alias == "" || seen[alias] {
			continue
		}
		if _, exists := r.commands[alias]; exists {
			return fmt.Errorf("alias %q of %q conflicts with command", alias, name)
		}
		if existingName, exists := r.aliases[alias]; exists {
			return fmt.Errorf("alias %q of %q already registered for %q", alias, name, existingName)
		}
		seen[alias] = true
		aliases = append(aliases, alias)
	}

	r.commands[name] = cmd
	for _, alias := range aliases {
		r.aliases[alias] = name
	}

	category := cmd.Category
	if category == "" {
		category = "general"
	}
	r.categories[category] = append(r.categories[category], cmd)

	r.logger.Debug("registered command",
		"name", name,
		"aliases", aliases,
		"category", category,
		"arguments", len(cmd.Arguments))

	return nil
}

// Unregister removes a command from the registry.
func (r *Registry) Unregister(name string) bool {
	name = r.normalize(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if realName, ok := r.aliases[name]; ok {
		name = realName
	}
	cmd, exists := r.commands[name]
	if !exists {
		return false
	}

	for alias, target := range r.aliases {
		if target == name {
			delete(r.aliases, alias)
		}
	}

	category := cmd.Category
	if category == "" {
		category = "general"
	}
	commands := r.categories[category]
	for i, c := range commands {
		if c == cmd {
			r.categories[category] = append(commands[:i], commands[i+1:]...)
			break
		}
	}
	if len(r.categories[category]) == 0 {
		delete(r.categories, category)
	}

	delete(r.commands, name)
	r.logger.Debug("unregistered command", "name", name)
	return true
}

// Module is a named group of commands that are mounted and unmounted
// together.
type Module struct {
	Name     string
	Commands []*Command
}

// Mount registers every command of m. Commands without a category are
// listed under the module name. Either all commands are registered or
// none are.
func (r *Registry) Mount(m Module) error {
	if m.Name == "" {
		return fmt.Errorf("module name is required")
	}
	r.mu.RLock()
	_, mounted := r.modules[m.Name]
	r.mu.RUnlock()
	if mounted {
		return fmt.Errorf("module %q already mounted", m.Name)
	}

	names := make([]string, 0, len(m.Commands))
	for _, cmd := range m.Commands {
		if cmd != nil && cmd.Category == "" {
			c := *cmd
			c.Category = m.Name
			cmd = &c
		}
		if err := r.Register(cmd); err != nil {
			for _, name := range names {
				r.Unregister(name)
			}
			return fmt.Errorf("mount module %q: %w", m.Name, err)
		}
		names = append(names, r.normalize(cmd.Name))
	}

	r.mu.Lock()
	r.modules[m.Name] = names
	r.mu.Unlock()
	r.logger.Debug("mounted module", "module", m.Name, "commands", names)
	return nil
}

// Unmount removes the commands mounted by the named module and returns
// how many were removed.
func (r *Registry) Unmount(name string) int {
	r.mu.Lock()
	names, ok := r.modules[name]
	delete(r.modules, name)
	r.mu.Unlock()
	if !ok {
		return 0
	}

	removed := 0
	for _, cmd := range names {
		if r.Unregister(cmd) {
			removed++
		}
	}
	r.logger.Debug("unmounted module", "module", name, "removed", removed)
	return removed
}

// Modules returns the names of mounted modules.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get retrieves a command by name or alias.
func (r *Registry) Get(name string) (*Command, bool) {
	name = r.normalize(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if cmd, exists := r.commands[name]; exists {
		return cmd, true
	}
	if realName, exists := r.aliases[name]; exists {
		if cmd, exists := r.commands[realName]; exists {
			return cmd, true
		}
	}
	return nil, false
}

// List returns all registered commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	commands := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		commands = append(commands, cmd)
	}

	sort.Slice(commands, func(i, j int) bool {
		return commands[i].Name < commands[j].Name
	})

	return commands
}

// ListVisible returns commands that should be shown in help.
func (r *Registry) ListVisible() []*Command {
	all := r.List()
	visible := make([]*Command, 0, len(all))
	for _, cmd := range all {
		if !cmd.Hidden {
			visible = append(visible, cmd)
		}
	}
	return visible
}

// ListByCategory returns visible commands grouped by category.
func (r *Registry) ListByCategory() map[string][]*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string][]*Command)
	for category, commands := range r.categories {
		visible := make([]*Command, 0)
		for _, cmd := range commands {
			if !cmd.Hidden {
				visible = append(visible, cmd)
			}
		}
		if len(visible) > 0 {
			sort.Slice(visible, func(i, j int) bool {
				return visible[i].Name < visible[j].Name
			})
			result[category] = visible
		}
	}
	return result
}

// Names returns all registered command names (not aliases).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
