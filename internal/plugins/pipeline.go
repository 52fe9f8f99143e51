package plugins

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/events"
	"github.com/rsclarke/droidrig/internal/logging"
	"github.com/rsclarke/droidrig/internal/models"
)

// Pipeline fans device events out to the store and to plugin hooks. Store
// and hook failures are logged and never reach the device manager.
type Pipeline struct {
	store     Store
	runID     string
	plugins   []Plugin
	lifecycle []LifecycleHook
	artifact  []ArtifactHook
	logger    *zap.Logger
}

// NewPipeline creates a new Pipeline with the given logger.
func NewPipeline(logger *zap.Logger) *Pipeline {
	return &Pipeline{
		logger:    logging.OrNop(logger),
		plugins:   make([]Plugin, 0),
		lifecycle: make([]LifecycleHook, 0),
		artifact:  make([]ArtifactHook, 0),
	}
}

// SetStore sets the storage backend for the pipeline.
func (p *Pipeline) SetStore(store Store) {
	p.store = store
}

// SetRunID stamps every event passing through the pipeline with id.
func (p *Pipeline) SetRunID(id string) {
	p.runID = id
}

// Register detects which capability interfaces a plugin implements
// and adds it to the appropriate hook lists.
func (p *Pipeline) Register(plugin Plugin) {
	p.plugins = append(p.plugins, plugin)
	if hook, ok := plugin.(LifecycleHook); ok {
		p.lifecycle = append(p.lifecycle, hook)
	}
	if hook, ok := plugin.(ArtifactHook); ok {
		p.artifact = append(p.artifact, hook)
	}
}

// Init initializes every registered plugin in registration order.
func (p *Pipeline) Init() error {
	ictx := InitContext{Logger: p.logger, Store: p.store, RunID: p.runID}
	for _, plugin := range p.plugins {
		if err := plugin.Init(ictx); err != nil {
			return fmt.Errorf("init plugin %s: %w", plugin.ID(), err)
		}
	}
	return nil
}

// ListPlugins returns metadata about all registered plugins.
func (p *Pipeline) ListPlugins() []PluginInfo {
	infos := make([]PluginInfo, 0, len(p.plugins))
	for _, plugin := range p.plugins {
		info := PluginInfo{
			ID:      plugin.ID(),
			Type:    PluginTypeFeature,
			Enabled: true,
		}
		if cp, ok := plugin.(CorePlugin); ok && cp.IsCore() {
			info.Type = PluginTypeCore
		}
		if cp, ok := plugin.(ConfigurablePlugin); ok {
			info.Config = cp.Config()
		}
		infos = append(infos, info)
	}
	return infos
}

// OnLifecycle persists ev and then runs the lifecycle hooks.
func (p *Pipeline) OnLifecycle(ctx context.Context, ev *events.Lifecycle) {
	if ev.RunID == "" {
		ev.RunID = p.runID
	}

	if p.store != nil {
		if _, err := p.store.RecordLifecycle(ctx, ev); err != nil {
			p.logger.Warn("failed to record lifecycle event",
				logging.Serial(ev.Serial),
				logging.Op(string(ev.Op)),
				zap.Error(err))
		}
	}

	for _, hook := range p.lifecycle {
		if err := hook.OnLifecycle(ctx, ev); err != nil {
			p.logger.Warn("lifecycle hook error",
				zap.String("plugin", pluginID(hook)),
				zap.Error(err))
		}
	}
}

// OnArtifact persists a and then runs the artifact hooks.
func (p *Pipeline) OnArtifact(ctx context.Context, a *events.Artifact) {
	if a.RunID == "" {
		a.RunID = p.runID
	}

	if p.store != nil {
		if _, err := p.store.RecordArtifact(ctx, a); err != nil {
			p.logger.Warn("failed to record artifact",
				logging.Serial(a.Serial),
				logging.Path(a.Path),
				zap.Error(err))
		}
	}

	for _, hook := range p.artifact {
		if err := hook.OnArtifact(ctx, a); err != nil {
			p.logger.Warn("artifact hook error",
				zap.String("plugin", pluginID(hook)),
				zap.Error(err))
		}
	}
}

// SaveBuild records the build identity and labels of a device. An empty
// build is not stored.
func (p *Pipeline) SaveBuild(ctx context.Context, serial string, b models.DeviceBuild) {
	if p.store == nil || b.Empty() {
		return
	}
	if err := p.store.SaveBuild(ctx, serial, b); err != nil {
		p.logger.Warn("failed to save build", logging.Serial(serial), zap.Error(err))
	}
}

func pluginID(hook any) string {
	if p, ok := hook.(Plugin); ok {
		return p.ID()
	}
	return "unknown"
}
