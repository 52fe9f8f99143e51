// Package storage implements the storage core plugin that persists the
// device ledger to SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/db"
	"github.com/rsclarke/droidrig/internal/events"
	"github.com/rsclarke/droidrig/internal/models"
	"github.com/rsclarke/droidrig/internal/plugins"
)

// Plugin is the storage core plugin that persists device history to SQLite.
type Plugin struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a new storage Plugin with the given database connection.
func New(database *sql.DB) *Plugin {
	return &Plugin{db: database, logger: zap.NewNop()}
}

// ID returns the plugin identifier.
func (p *Plugin) ID() string { return "storage" }

// IsCore marks storage as core infrastructure.
func (p *Plugin) IsCore() bool { return true }

// Init initializes the plugin with the given context.
func (p *Plugin) Init(ctx plugins.InitContext) error {
	if ctx.Logger != nil {
		p.logger = ctx.Logger.Named("storage")
	}
	return nil
}

// RecordLifecycle persists a lifecycle event, creating the device row on
// first sight, and returns the event ID.
func (p *Plugin) RecordLifecycle(_ context.Context, ev *events.Lifecycle) (int64, error) {
	deviceID, err := db.UpsertDevice(p.db, ev.Serial, ev.Model)
	if err != nil {
		return 0, fmt.Errorf("upsert device: %w", err)
	}

	var errText string
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	id, err := db.CreateLifecycleEvent(p.db, deviceID, ev.RunID, string(ev.Op), ev.State, errText, ev.OccurredAt)
	if err != nil {
		return 0, fmt.Errorf("create lifecycle event: %w", err)
	}
	return id, nil
}

// RecordArtifact persists an artifact record and returns its ID.
func (p *Plugin) RecordArtifact(_ context.Context, a *events.Artifact) (int64, error) {
	deviceID, err := db.UpsertDevice(p.db, a.Serial, "")
	if err != nil {
		return 0, fmt.Errorf("upsert device: %w", err)
	}
	id, err := db.CreateArtifact(p.db, deviceID, a.RunID, string(a.Kind), a.Path, a.Label, a.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("create artifact: %w", err)
	}
	p.logger.Debug("artifact recorded", zap.String("serial", a.Serial), zap.String("path", a.Path))
	return id, nil
}

// SaveBuild persists the build identity and labels of a device.
func (p *Plugin) SaveBuild(_ context.Context, serial string, b models.DeviceBuild) error {
	deviceID, err := db.UpsertDevice(p.db, serial, "")
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	if err := db.SaveBuild(p.db, deviceID, b); err != nil {
		return fmt.Errorf("save build: %w", err)
	}
	p.logger.Debug("build recorded", zap.String("serial", serial), zap.String("build_id", b.BuildID))
	return nil
}
