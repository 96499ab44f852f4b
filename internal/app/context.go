// Package app resolves the workspace configuration and assembles a ready
// engine for the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sage/internal/config"
	"sage/internal/db"
	"sage/internal/engine"
	"sage/internal/logging"
	"sage/internal/migrate"
)

// ResolveConfig prefers an explicit path, then the workspace sage.yml, then
// the built-in defaults.
func ResolveConfig(workspace, pathOverride string) (*config.Config, error) {
	if pathOverride != "" {
		cfg, err := config.FromFile(pathOverride)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", pathOverride, err)
		}
		return cfg, nil
	}
	return config.LoadOrDefault(workspace)
}

// Runtime is an opened workspace. Close releases the locker and database.
type Runtime struct {
	Engine        engine.Engine
	DB            *sql.DB
	SchemaVersion int
	closers       []func() error
}

func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open ensures the workspace exists, migrates the database and wires the
// engine with the configured locker backend.
func Open(ctx context.Context, workspace string, cfg *config.Config, log *logging.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{DB: conn, closers: []func() error{conn.Close}}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if rt.SchemaVersion, err = migrate.Version(ctx, conn); err != nil {
		_ = rt.Close()
		return nil, err
	}
	locker, closeLocker, err := engine.OpenLocker(ctx, cfg.Locker, log)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeLocker)
	rt.Engine = engine.New(conn, cfg, log).WithLocker(locker)
	log.Debug("workspace opened", "path", db.Path(workspace), "schema_version", rt.SchemaVersion, "locker", cfg.Locker.Backend)
	return rt, nil
}
