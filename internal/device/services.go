package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/events"
	"github.com/rsclarke/droidrig/internal/logging"
	"github.com/rsclarke/droidrig/internal/naming"
	"github.com/rsclarke/droidrig/internal/session"
	"github.com/rsclarke/droidrig/internal/sl4a"
)

// ReportDir is the subdirectory of the device log dir holding diagnostic reports.
const ReportDir = "BugReports"

// StartServices starts log capture and, unless skipAgent is set, opens an
// agent session and its event router. A capture failure leaves nothing
// running. A session failure leaves the capture running; the caller decides
// whether to Release.
func (m *Manager) StartServices(ctx context.Context, skipAgent bool) error {
	err := m.startServices(ctx, skipAgent)
	m.emit(ctx, events.OpStartServices, err)
	return opErr(events.OpStartServices, m.opts.Serial, err)
}

func (m *Manager) startServices(ctx context.Context, skipAgent bool) error {
	if err := m.startCapture(ctx); err != nil {
		return err
	}
	if !skipAgent {
		if err := m.openSession(ctx); err != nil {
			return err
		}
	}
	m.setState(ServicesRunning)
	return nil
}

func (m *Manager) startCapture(ctx context.Context) error {
	if m.capture.Active() {
		m.logger.Debug("log capture already running", logging.Path(m.capture.Path()))
		return nil
	}
	model, err := m.Model(ctx)
	if err != nil {
		return err
	}
	// Disable the logd spam filter so the capture is complete.
	if _, err := m.tr.Shell(ctx, m.opts.Serial, "logpersist.start"); err != nil {
		m.logger.Warn("logpersist.start failed", zap.Error(err))
	}
	if err := m.capture.Start(ctx, model); err != nil {
		return err
	}
	m.artifact(ctx, events.ArtifactCapture, m.capture.Path(), "")
	return nil
}

// openSession forwards the agent port, opens a session and starts its event
// router. If the first attempt fails the agent is launched and the open is
// retried once.
func (m *Manager) openSession(ctx context.Context) error {
	port, err := m.forward(ctx)
	if err != nil {
		return err
	}

	id, _, err := m.sessions.Open(ctx, port)
	if err != nil {
		var dup *session.DuplicateSessionError
		if errors.As(err, &dup) {
			return err
		}
		m.logger.Info("agent not reachable, launching", zap.Error(err), logging.HostPort(port))
		if _, lerr := m.tr.Shell(ctx, m.opts.Serial, sl4a.LaunchCommand(m.opts.DevicePort)); lerr != nil {
			return fmt.Errorf("launch agent: %w", lerr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.AgentLaunchWait):
		}
		if id, _, err = m.sessions.Open(ctx, port); err != nil {
			return err
		}
	}

	rt, err := m.sessions.Router(ctx, port, id)
	if err != nil {
		return err
	}
	rt.Start(context.WithoutCancel(ctx))
	m.logger.Info("agent session ready", logging.Session(int(id)), logging.HostPort(port))
	return nil
}

// forward maps the host port to the agent port on the device, picking a host
// port on first use.
func (m *Manager) forward(ctx context.Context) (int, error) {
	m.mu.Lock()
	port := m.hostPort
	m.mu.Unlock()

	if port == 0 {
		var err error
		if m.opts.HostPort != 0 {
			port = m.opts.HostPort
			err = m.ports.Claim(port)
		} else {
			port, err = m.ports.Acquire()
		}
		if err != nil {
			return 0, fmt.Errorf("reserve host port: %w", err)
		}
		m.mu.Lock()
		m.hostPort = port
		m.mu.Unlock()
	}

	if err := m.tr.Forward(ctx, m.opts.Serial, port, m.opts.DevicePort); err != nil {
		return 0, fmt.Errorf("forward tcp:%d to device tcp:%d: %w", port, m.opts.DevicePort, err)
	}
	m.mu.Lock()
	m.forwarded = true
	m.mu.Unlock()
	return port, nil
}

// StopServices stops log capture and closes every agent session. Each
// failure is logged and teardown continues; the failures are returned
// together. With nothing running it does nothing.
func (m *Manager) StopServices(ctx context.Context) error {
	err := m.stopServices(ctx)
	if m.State() == ServicesRunning {
		m.setState(Provisioned)
	}
	m.emit(ctx, events.OpStopServices, err)
	return opErr(events.OpStopServices, m.opts.Serial, err)
}

func (m *Manager) stopServices(ctx context.Context) error {
	var errs error
	if m.capture.Active() {
		m.CaptureAlive(ctx)
		if err := m.capture.Stop(); err != nil {
			m.logger.Warn("stop log capture", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	if err := m.sessions.CloseAll(ctx); err != nil {
		for _, e := range multierr.Errors(err) {
			m.logger.Warn("close agent session", zap.Error(e))
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

// TakeDiagnosticReport waits for boot completion, dumps a bug report on the
// device and copies it under ReportDir. It returns the local path.
func (m *Manager) TakeDiagnosticReport(ctx context.Context, label string, start time.Time) (string, error) {
	path, err := m.takeDiagnosticReport(ctx, label, start)
	m.emit(ctx, events.OpReport, err)
	if err != nil {
		return "", opErr(events.OpReport, m.opts.Serial, err)
	}
	m.artifact(ctx, events.ArtifactReport, path, label)
	return path, nil
}

func (m *Manager) takeDiagnosticReport(ctx context.Context, label string, start time.Time) (string, error) {
	if err := m.WaitForBootCompletion(ctx); err != nil {
		return "", err
	}

	dir := filepath.Join(m.logDir, ReportDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	zipped := m.supportsZippedReport(ctx)
	dst := filepath.Join(dir, naming.ReportName(label, start, m.opts.Serial, zipped))
	m.logger.Info("taking bug report", logging.Label(label), logging.Path(dst))

	if zipped {
		out, err := m.tr.Shell(ctx, m.opts.Serial, "bugreportz")
		if err != nil {
			return "", fmt.Errorf("bugreportz: %w", err)
		}
		status := strings.TrimSpace(string(out))
		remote, ok := strings.CutPrefix(status, "OK:")
		if !ok {
			return "", fmt.Errorf("bugreportz failed: %s", status)
		}
		if err := m.tr.Pull(ctx, m.opts.Serial, strings.TrimSpace(remote), dst); err != nil {
			return "", fmt.Errorf("pull bug report: %w", err)
		}
		return dst, nil
	}

	out, err := m.tr.Shell(ctx, m.opts.Serial, "bugreport")
	if err != nil {
		return "", fmt.Errorf("bugreport: %w", err)
	}
	if err := os.WriteFile(dst, out, 0o644); err != nil {
		return "", fmt.Errorf("write bug report: %w", err)
	}
	return dst, nil
}

func (m *Manager) supportsZippedReport(ctx context.Context) bool {
	out, err := m.tr.Shell(ctx, m.opts.Serial, "bugreportz -v")
	if err != nil {
		return false
	}
	return !strings.Contains(string(out), "not found")
}

// CaptureAlive reports whether the log capture process is still running on
// the host. A capture that exited on its own is logged as a warning: its file
// stops short of now until services are restarted.
func (m *Manager) CaptureAlive(ctx context.Context) bool {
	if !m.capture.Active() {
		return false
	}
	alive, err := m.capture.Alive(ctx)
	if err != nil {
		m.logger.Debug("capture liveness unavailable", zap.Error(err))
		return true
	}
	if !alive {
		m.logger.Warn("log capture process exited", logging.Path(m.capture.Path()))
	}
	return alive
}

// ExtractLogWindow writes the captured log lines from start until now to an
// excerpt file tagged with tag and returns its path. The extraction goes ahead
// when the capture process has died; the lines it wrote are still on disk.
func (m *Manager) ExtractLogWindow(ctx context.Context, tag string, start time.Time) (string, error) {
	m.CaptureAlive(ctx)
	path, err := m.capture.ExtractWindow(tag, start)
	if err != nil {
		return "", err
	}
	m.artifact(ctx, events.ArtifactExcerpt, path, tag)
	return path, nil
}

// Reboot restarts the device. In flash mode it only issues a fastboot
// reboot. Otherwise services are stopped, the device rebooted and awaited,
// adbd restarted as root, and a fresh agent session negotiated with its
// event router started. Devices configured with SkipAgent get no session.
// Log capture is resumed if it was running.
func (m *Manager) Reboot(ctx context.Context) error {
	err := m.reboot(ctx)
	m.emit(ctx, events.OpReboot, err)
	return opErr(events.OpReboot, m.opts.Serial, err)
}

func (m *Manager) reboot(ctx context.Context) error {
	bootloader, err := m.IsBootloader(ctx)
	if err != nil {
		return err
	}
	if bootloader {
		return m.tr.FastbootReboot(ctx, m.opts.Serial)
	}

	wasCapturing := m.capture.Active()

	m.setState(Rebooting)
	m.logger.Info("rebooting device")

	if err := m.stopServices(ctx); err != nil {
		m.logger.Warn("teardown before reboot", zap.Error(err))
	}
	if err := m.tr.Reboot(ctx, m.opts.Serial); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	if err := m.WaitForBootCompletion(ctx); err != nil {
		return err
	}
	if err := m.tr.Root(ctx, m.opts.Serial); err != nil {
		return fmt.Errorf("restart adbd as root: %w", err)
	}
	if !m.opts.SkipAgent {
		if err := m.openSession(ctx); err != nil {
			return err
		}
	}
	if wasCapturing {
		if err := m.startCapture(ctx); err != nil {
			return err
		}
	}
	if m.sessions.Len() > 0 || m.capture.Active() {
		m.setState(ServicesRunning)
	} else {
		m.setState(Provisioned)
	}
	return nil
}

// Release stops services, removes the port forward and returns the host
// port. The Manager is unusable afterwards.
func (m *Manager) Release(ctx context.Context) error {
	errs := m.stopServices(ctx)

	m.mu.Lock()
	port, forwarded := m.hostPort, m.forwarded
	m.hostPort, m.forwarded = 0, false
	m.mu.Unlock()

	if forwarded {
		if err := m.tr.RemoveForward(ctx, m.opts.Serial, port); err != nil {
			m.logger.Warn("remove port forward", logging.HostPort(port), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	if port != 0 {
		m.ports.Release(port)
	}

	m.setState(Released)
	m.emit(ctx, events.OpRelease, errs)
	m.logger.Info("device released")
	return opErr(events.OpRelease, m.opts.Serial, errs)
}
