package device

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rsclarke/droidrig/internal/logging"
)

// FleetConfig selects the devices of a fleet.
type FleetConfig struct {
	// All picks every attached device, each configured from Defaults.
	All      bool
	Defaults Options
	Devices  []Options
}

// Fleet is the set of devices a run operates on.
type Fleet struct {
	managers []*Manager
	logger   *zap.Logger
}

// NewFleet provisions the selected devices and starts services on each in
// order. If any step fails every device provisioned so far is released and
// the error returned.
func NewFleet(ctx context.Context, cfg FleetConfig, deps Deps) (*Fleet, error) {
	f := &Fleet{logger: logging.OrNop(deps.Logger).Named("fleet")}
	if deps.Transport == nil {
		return nil, ErrNoTransport
	}

	opts := cfg.Devices
	if cfg.All {
		serials, err := deps.Transport.ListAttached(ctx)
		if err != nil {
			return nil, fmt.Errorf("list attached devices: %w", err)
		}
		opts = make([]Options, 0, len(serials))
		for _, s := range serials {
			o := cfg.Defaults
			o.Serial = s
			opts = append(opts, o)
		}
	}
	if len(opts) == 0 {
		return nil, ErrNoDevices
	}

	for _, o := range opts {
		m, err := Provision(ctx, o, deps)
		if err != nil {
			f.rollback(ctx)
			return nil, err
		}
		f.managers = append(f.managers, m)
	}
	for i, m := range f.managers {
		if err := m.StartServices(ctx, opts[i].SkipAgent); err != nil {
			f.rollback(ctx)
			return nil, err
		}
	}
	f.logger.Info("fleet ready", zap.Int("devices", len(f.managers)))
	return f, nil
}

func (f *Fleet) rollback(ctx context.Context) {
	if err := f.Destroy(ctx); err != nil {
		f.logger.Warn("release after failed start", zap.Error(err))
	}
}

// Managers returns the devices in configuration order.
func (f *Fleet) Managers() []*Manager { return f.managers }

// Len is the number of devices.
func (f *Fleet) Len() int { return len(f.managers) }

// Destroy releases every device and returns the combined failures.
func (f *Fleet) Destroy(ctx context.Context) error {
	var errs error
	for _, m := range f.managers {
		errs = multierr.Append(errs, m.Release(ctx))
	}
	f.managers = nil
	return errs
}

// TakeDiagnosticReports collects a bug report from every device at once and
// returns the report paths by serial.
func (f *Fleet) TakeDiagnosticReports(ctx context.Context, label string, start time.Time) (map[string]string, error) {
	var (
		mu    sync.Mutex
		paths = make(map[string]string, len(f.managers))
		g     errgroup.Group
	)
	for _, m := range f.managers {
		g.Go(func() error {
			path, err := m.TakeDiagnosticReport(ctx, label, start)
			if err != nil {
				return err
			}
			mu.Lock()
			paths[m.Serial()] = path
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return paths, err
}

// Select returns the devices for which keep reports true.
func (f *Fleet) Select(keep func(*Manager) bool) []*Manager {
	var out []*Manager
	for _, m := range f.managers {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

// Find returns the single device carrying every label in want.
func (f *Fleet) Find(want map[string]string) (*Manager, error) {
	matches := f.Select(func(m *Manager) bool {
		for k, v := range want {
			if got, ok := m.Labels()[k]; !ok || got != v {
				return false
			}
		}
		return true
	})
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w labels %v", ErrNoMatch, want)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w labels %v (%d devices)", ErrAmbiguous, want, len(matches))
	}
}

// Info describes one fleet device.
type Info struct {
	Serial    string            `json:"serial"`
	Model     string            `json:"model"`
	BuildID   string            `json:"build_id,omitempty"`
	BuildType string            `json:"build_type,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Info returns the identity of every device.
func (f *Fleet) Info(ctx context.Context) ([]Info, error) {
	out := make([]Info, 0, len(f.managers))
	for _, m := range f.managers {
		info, err := Describe(ctx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Describe returns the identity of one device.
func Describe(ctx context.Context, m *Manager) (Info, error) {
	model, err := m.Model(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("device %s: %w", m.Serial(), err)
	}
	info := Info{Serial: m.Serial(), Model: model, Labels: maps.Clone(m.Labels())}
	build, err := m.BuildInfo(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("device %s: %w", m.Serial(), err)
	}
	if build != nil {
		info.BuildID, info.BuildType = build.ID, build.Type
	}
	return info, nil
}
