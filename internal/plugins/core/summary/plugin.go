// Package summary implements a plugin that tallies a run's failed
// operations and produced artifacts for the end-of-run report.
package summary

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/events"
	"github.com/rsclarke/droidrig/internal/plugins"
)

// Failure is one failed lifecycle operation.
type Failure struct {
	Serial string
	Op     events.Op
	Err    string
}

// Plugin collects failures and artifacts as they pass through the pipeline.
type Plugin struct {
	logger *zap.Logger

	mu        sync.Mutex
	failures  []Failure
	artifacts map[string][]events.Artifact
}

// New returns an empty summary plugin.
func New() *Plugin {
	return &Plugin{logger: zap.NewNop(), artifacts: make(map[string][]events.Artifact)}
}

// ID returns the plugin identifier.
func (p *Plugin) ID() string { return "summary" }

// Init initializes the plugin with the given context.
func (p *Plugin) Init(ctx plugins.InitContext) error {
	if ctx.Logger != nil {
		p.logger = ctx.Logger.Named("summary")
	}
	return nil
}

// OnLifecycle records failed operations.
func (p *Plugin) OnLifecycle(_ context.Context, ev *events.Lifecycle) error {
	if ev.Err == nil {
		return nil
	}
	p.mu.Lock()
	p.failures = append(p.failures, Failure{Serial: ev.Serial, Op: ev.Op, Err: ev.Err.Error()})
	p.mu.Unlock()
	return nil
}

// OnArtifact records produced files.
func (p *Plugin) OnArtifact(_ context.Context, a *events.Artifact) error {
	p.mu.Lock()
	p.artifacts[a.Serial] = append(p.artifacts[a.Serial], *a)
	p.mu.Unlock()
	return nil
}

// Failures returns the failures seen so far.
func (p *Plugin) Failures() []Failure {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Failure(nil), p.failures...)
}

// Artifacts returns the artifacts seen for serial.
func (p *Plugin) Artifacts(serial string) []events.Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Artifact(nil), p.artifacts[serial]...)
}

// WriteTo prints the report, one device per block in serial order.
func (p *Plugin) WriteTo(w io.Writer) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	serials := make([]string, 0, len(p.artifacts))
	for s := range p.artifacts {
		serials = append(serials, s)
	}
	sort.Strings(serials)

	var n int64
	write := func(format string, args ...any) error {
		m, err := fmt.Fprintf(w, format, args...)
		n += int64(m)
		return err
	}
	for _, s := range serials {
		if err := write("%s\n", s); err != nil {
			return n, err
		}
		for _, a := range p.artifacts[s] {
			if err := write("  %-8s %s\n", a.Kind, a.Path); err != nil {
				return n, err
			}
		}
	}
	for _, f := range p.failures {
		if err := write("FAILED %s %s: %s\n", f.Serial, f.Op, f.Err); err != nil {
			return n, err
		}
	}
	return n, nil
}
