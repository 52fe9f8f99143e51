// Package plugins defines the plugin interfaces and capability hooks that
// observe device lifecycle events and produced artifacts.
package plugins

import (
	"context"

	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/events"
	"github.com/rsclarke/droidrig/internal/models"
)

// Plugin is the base interface all plugins must implement.
type Plugin interface {
	ID() string
	Init(ctx InitContext) error
}

// InitContext provides access to shared resources during plugin initialization.
type InitContext struct {
	Logger *zap.Logger
	Store  Store
	RunID  string
}

// Store persists what the pipeline observes.
type Store interface {
	RecordLifecycle(ctx context.Context, ev *events.Lifecycle) (int64, error)
	RecordArtifact(ctx context.Context, a *events.Artifact) (int64, error)
	SaveBuild(ctx context.Context, serial string, b models.DeviceBuild) error
}

// LifecycleHook is called after a lifecycle event is persisted.
type LifecycleHook interface {
	OnLifecycle(ctx context.Context, ev *events.Lifecycle) error
}

// ArtifactHook is called after an artifact is persisted.
type ArtifactHook interface {
	OnArtifact(ctx context.Context, a *events.Artifact) error
}

// PluginType indicates whether a plugin is core infrastructure or a feature plugin.
type PluginType string

// Plugin type constants.
const (
	PluginTypeCore    PluginType = "core"
	PluginTypeFeature PluginType = "feature"
)

// CorePlugin is an optional interface that core plugins can implement.
type CorePlugin interface {
	IsCore() bool
}

// ConfigurablePlugin is an optional interface for plugins that expose configuration.
type ConfigurablePlugin interface {
	Config() map[string]any
}

// PluginInfo contains metadata about a registered plugin.
type PluginInfo struct {
	ID      string         `json:"id"`
	Type    PluginType     `json:"type"`
	Enabled bool           `json:"enabled"`
	Config  map[string]any `json:"config,omitempty"`
}

// PluginRegistry provides read access to registered plugins.
type PluginRegistry interface {
	ListPlugins() []PluginInfo
}
