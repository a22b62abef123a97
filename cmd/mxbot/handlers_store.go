package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/mxbot/internal/config"
	"github.com/haasonsaas/mxbot/internal/syncstore"
)

var jsonOut = jsoniter.ConfigCompatibleWithStandardLibrary

// openStoreFromFlags opens the store named by --db, or by store.path in the
// configuration file.
func openStoreFromFlags(ctx context.Context, flags storeFlags) (*syncstore.Store, id.UserID, error) {
	dbPath := strings.TrimSpace(flags.dbPath)
	userID := strings.TrimSpace(flags.userID)

	storeCfg := syncstore.Config{Logger: slog.Default()}
	if dbPath == "" || userID == "" {
		cfg, err := config.Load(resolveConfigPath(flags.configPath))
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		if dbPath == "" {
			dbPath = cfg.Store.Path
		}
		if userID == "" {
			userID = cfg.Matrix.UserID
		}
		storeCfg.Compress = cfg.Store.Compress
	}
	if dbPath == "" {
		return nil, "", fmt.Errorf("no store path configured; set store.path or pass --db")
	}

	storeCfg.Path = dbPath
	store, err := syncstore.Open(ctx, storeCfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open sync store: %w", err)
	}
	return store, id.UserID(userID), nil
}

func runStoreReplay(ctx context.Context, out io.Writer, flags storeFlags) error {
	store, userID, err := openStoreFromFlags(ctx, flags)
	if err != nil {
		return err
	}
	defer store.Close()

	payload, err := store.Replay(ctx, userID)
	if err != nil {
		return err
	}
	data, err := jsonOut.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func runStoreCursor(ctx context.Context, out io.Writer, flags storeFlags) error {
	store, userID, err := openStoreFromFlags(ctx, flags)
	if err != nil {
		return err
	}
	defer store.Close()

	nextBatch, err := store.NextBatch(ctx, userID)
	if err != nil {
		return err
	}
	counts, err := store.Counts(ctx)
	if err != nil {
		return err
	}

	if nextBatch == "" {
		nextBatch = "(none)"
	}
	fmt.Fprintf(out, "user:       %s\n", userID)
	fmt.Fprintf(out, "next_batch: %s\n", nextBatch)
	for _, m := range syncstore.Memberships {
		fmt.Fprintf(out, "%-11s %d\n", string(m)+":", counts[m])
	}
	return nil
}

func runStoreCheckpoint(ctx context.Context, out io.Writer, flags storeFlags) error {
	store, _, err := openStoreFromFlags(ctx, flags)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Checkpoint(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "checkpoint complete")
	return nil
}
