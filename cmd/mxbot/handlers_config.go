package main

import (
	"fmt"
	"io"

	"github.com/haasonsaas/mxbot/internal/config"
)

func runConfigValidate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: ok (user %s on %s)\n", configPath, cfg.Matrix.UserID, cfg.Matrix.Homeserver)
	return nil
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	_, err = fmt.Fprintln(out, string(schema))
	return err
}
