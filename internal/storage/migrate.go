package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// applyFunc runs one migration file and records it as applied.
type applyFunc func(ctx context.Context, name, content string) error

// runMigrations executes unapplied SQL migration files from migrationsFS in
// name order. Each file runs at most once. This is a simple forward-only
// runner; the backends track applied files in schema_migrations.
func runMigrations(ctx context.Context, migrationsFS fs.FS, applied map[string]bool, apply applyFunc, logger *slog.Logger) error {
	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		if applied[name] {
			logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		logger.Info("running migration", "file", name)
		if err := apply(ctx, name, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
	}
	return nil
}
