// Package device manages the lifecycle of attached Android devices: elevated
// adb, port forwarding, agent sessions, log capture and diagnostics.
package device

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/events"
	"github.com/rsclarke/droidrig/internal/logcat"
	"github.com/rsclarke/droidrig/internal/logging"
	"github.com/rsclarke/droidrig/internal/ports"
	"github.com/rsclarke/droidrig/internal/session"
	"github.com/rsclarke/droidrig/internal/sl4a"
)

const (
	DefaultBootTimeout      = 15 * time.Minute
	DefaultBootPollInterval = 5 * time.Second
	DefaultAgentLaunchWait  = 2 * time.Second
)

// Transport executes adb and fastboot operations against devices.
type Transport interface {
	ListAttached(ctx context.Context) ([]string, error)
	ListFastboot(ctx context.Context) ([]string, error)
	Shell(ctx context.Context, serial, command string) ([]byte, error)
	Pull(ctx context.Context, serial, src, dst string) error
	Forward(ctx context.Context, serial string, hostPort, devicePort int) error
	RemoveForward(ctx context.Context, serial string, hostPort int) error
	Root(ctx context.Context, serial string) error
	Reboot(ctx context.Context, serial string) error
	FastbootReboot(ctx context.Context, serial string) error
	FastbootGetVar(ctx context.Context, serial, name string) (string, error)
}

// Observer is told about lifecycle transitions and produced artifacts.
type Observer interface {
	OnLifecycle(ctx context.Context, ev *events.Lifecycle)
	OnArtifact(ctx context.Context, a *events.Artifact)
}

// State is the lifecycle state of a Manager.
type State int

const (
	Unprovisioned State = iota
	Provisioned
	ServicesRunning
	Rebooting
	Released
)

func (s State) String() string {
	switch s {
	case Unprovisioned:
		return "unprovisioned"
	case Provisioned:
		return "provisioned"
	case ServicesRunning:
		return "services_running"
	case Rebooting:
		return "rebooting"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options describes one device.
type Options struct {
	Serial string
	// HostPort is the forwarded host port; zero picks a free one.
	HostPort   int
	DevicePort int
	// LogDir is the root log directory. Device files go under
	// LogDir/AndroidDevice<serial>.
	LogDir           string
	LogcatParams     []string
	SkipAgent        bool
	Labels           map[string]string
	BootTimeout      time.Duration
	BootPollInterval time.Duration
	AgentLaunchWait  time.Duration
}

func (o *Options) setDefaults() {
	if o.DevicePort == 0 {
		o.DevicePort = sl4a.DefaultDevicePort
	}
	if o.BootTimeout == 0 {
		o.BootTimeout = DefaultBootTimeout
	}
	if o.BootPollInterval == 0 {
		o.BootPollInterval = DefaultBootPollInterval
	}
	if o.AgentLaunchWait == 0 {
		o.AgentLaunchWait = DefaultAgentLaunchWait
	}
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Transport Transport
	Agent     session.Agent
	Spawner   logcat.Spawner
	// Ports defaults to ports.Default.
	Ports    *ports.Allocator
	Observer Observer
	Logger   *zap.Logger
	RunID    string
	Now      func() time.Time
}

// Manager drives one device. Lifecycle operations must not overlap on the
// same Manager; accessors are safe for concurrent use.
type Manager struct {
	opts     Options
	logDir   string
	tr       Transport
	ports    *ports.Allocator
	observer Observer
	logger   *zap.Logger
	runID    string
	now      func() time.Time

	sessions *session.Registry
	capture  *logcat.Supervisor

	mu        sync.Mutex
	state     State
	hostPort  int
	forwarded bool
	model     string
}

// Provision binds a Manager to an attached device and, unless the device is
// in flash mode, restarts adbd as root.
func Provision(ctx context.Context, opts Options, deps Deps) (*Manager, error) {
	if deps.Transport == nil {
		return nil, opErr(events.OpProvision, opts.Serial, ErrNoTransport)
	}
	opts.setDefaults()
	if deps.Ports == nil {
		deps.Ports = ports.Default
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := logging.OrNop(deps.Logger).Named("device").With(logging.Serial(opts.Serial))
	logDir := filepath.Join(opts.LogDir, "AndroidDevice"+opts.Serial)

	m := &Manager{
		opts:     opts,
		logDir:   logDir,
		tr:       deps.Transport,
		ports:    deps.Ports,
		observer: deps.Observer,
		logger:   logger,
		runID:    deps.RunID,
		now:      deps.Now,
		sessions: session.NewRegistry(opts.Serial, deps.Agent, logger.Named("session")),
		capture: logcat.New(logcat.Config{
			Serial:  opts.Serial,
			Dir:     logDir,
			Params:  opts.LogcatParams,
			Spawner: deps.Spawner,
			Logger:  logger.Named("logcat"),
			Now:     deps.Now,
		}),
	}

	err := m.provision(ctx)
	m.emit(ctx, events.OpProvision, err)
	if err != nil {
		return nil, opErr(events.OpProvision, opts.Serial, err)
	}
	return m, nil
}

func (m *Manager) provision(ctx context.Context) error {
	attached, err := m.tr.ListAttached(ctx)
	if err != nil {
		return fmt.Errorf("list attached devices: %w", err)
	}
	bootloader, err := m.IsBootloader(ctx)
	if err != nil {
		return err
	}
	if !bootloader && !slices.Contains(attached, m.opts.Serial) {
		return &UnreachableDeviceError{Serial: m.opts.Serial}
	}
	if !bootloader {
		if err := m.tr.Root(ctx, m.opts.Serial); err != nil {
			return fmt.Errorf("restart adbd as root: %w", err)
		}
	}
	m.setState(Provisioned)
	m.logger.Info("device provisioned", zap.Bool("bootloader", bootloader))
	return nil
}

// Serial is the device serial.
func (m *Manager) Serial() string { return m.opts.Serial }

// Labels are the configured labels of the device.
func (m *Manager) Labels() map[string]string { return m.opts.Labels }

// LogDir is the directory holding this device's files.
func (m *Manager) LogDir() string { return m.logDir }

// Capture is the log capture supervisor of the device.
func (m *Manager) Capture() *logcat.Supervisor { return m.capture }

// Sessions is the agent session registry of the device.
func (m *Manager) Sessions() *session.Registry { return m.sessions }

// State reports the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// HostPort is the forwarded host port, zero before the first session.
func (m *Manager) HostPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hostPort
}

func (m *Manager) cachedModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// Primary is the primary connection of the first agent session, or nil.
func (m *Manager) Primary() session.Conn {
	return m.sessions.Primary()
}

// Router is the event router of the first agent session, or nil.
func (m *Manager) Router() *events.Router {
	if rs := m.sessions.Routers(); len(rs) > 0 {
		return rs[0]
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, op events.Op, err error) {
	if m.observer == nil {
		return
	}
	m.observer.OnLifecycle(ctx, &events.Lifecycle{
		Serial:     m.opts.Serial,
		Model:      m.cachedModel(),
		Op:         op,
		State:      m.State().String(),
		RunID:      m.runID,
		OccurredAt: m.now().UnixMilli(),
		Err:        err,
	})
}

func (m *Manager) artifact(ctx context.Context, kind events.ArtifactKind, path, label string) {
	m.logger.Info("artifact written", zap.String("kind", string(kind)), logging.Path(path))
	if m.observer == nil {
		return
	}
	m.observer.OnArtifact(ctx, &events.Artifact{
		Serial:    m.opts.Serial,
		Kind:      kind,
		Path:      path,
		Label:     label,
		RunID:     m.runID,
		CreatedAt: m.now().UnixMilli(),
	})
}
