package main

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/mxbot/internal/commands"
)

// registerCommands mounts the commands shipped with the mxbot binary.
func registerCommands(r *commands.Registry) error {
	cmds := []*commands.Command{
		{
			Name:        "ping",
			Description: "Shows the delay between sending a message and the bot seeing it",
			Category:    "system",
			Handler: func(ctx context.Context, inv *commands.Context, args *commands.Args) (*commands.Result, error) {
				start := time.Now()
				if _, err := inv.Respond(ctx, "Pong!"); err != nil {
					return nil, err
				}
				text := fmt.Sprintf("Pong! (received after %dms, replied in %dms)",
					inv.Latency().Milliseconds(), time.Since(start).Milliseconds())
				if err := inv.EditResponse(ctx, text); err != nil {
					return nil, err
				}
				return &commands.Result{Suppress: true}, nil
			},
		},
		{
			Name:        "echo",
			Aliases:     []string{"say"},
			Description: "Repeats the given text",
			Category:    "general",
			Checks:      []commands.Check{commands.Cooldown(5, time.Minute)},
			Arguments: []commands.Argument{
				{Name: "text", Kind: commands.KindString, Required: true, Greedy: true, Description: "text to repeat"},
			},
			Handler: func(ctx context.Context, inv *commands.Context, args *commands.Args) (*commands.Result, error) {
				return &commands.Result{Text: args.String("text")}, nil
			},
		},
		{
			Name:        "whoami",
			Description: "Shows your user id and power level in this room",
			Category:    "general",
			Handler: func(ctx context.Context, inv *commands.Context, args *commands.Args) (*commands.Result, error) {
				level := 0
				if inv.Room != nil {
					level = inv.Room.PowerLevels.Level(inv.Sender())
				}
				return &commands.Result{Text: fmt.Sprintf("%s (power level %d)", inv.Sender(), level)}, nil
			},
		},
	}
	return r.Mount(commands.Module{Name: "mxbot", Commands: cmds})
}
