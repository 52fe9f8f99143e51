// Package logcat supervises the background log capture of a device and
// extracts time windows from captured files.
package logcat

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/logging"
	"github.com/rsclarke/droidrig/internal/naming"
)

// ExcerptDir is the subdirectory of the log directory holding extracted windows.
const ExcerptDir = "AdbLogExcerpts"

// Config configures a Supervisor.
type Config struct {
	Serial  string
	Dir     string
	Params  []string
	Spawner Spawner
	Logger  *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Supervisor owns at most one running capture for a device.
type Supervisor struct {
	serial  string
	dir     string
	params  []string
	spawner Spawner
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	proc Process
	file *os.File
	path string
}

// New returns an idle supervisor.
func New(cfg Config) *Supervisor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Supervisor{
		serial:  cfg.Serial,
		dir:     cfg.Dir,
		params:  cfg.Params,
		spawner: cfg.Spawner,
		logger:  logging.OrNop(cfg.Logger).With(logging.Serial(cfg.Serial)),
		now:     now,
	}
}

// Start begins appending device log lines to adblog,<model>,<serial>.txt.
func (s *Supervisor) Start(ctx context.Context, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		return &AlreadyCapturingError{Serial: s.serial, Path: s.path}
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	path := filepath.Join(s.dir, naming.CaptureName(model, s.serial))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open capture file: %w", err)
	}

	proc, err := s.spawner.Spawn(ctx, s.serial, s.params, f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("spawn logcat: %w", err)
	}

	s.proc = proc
	s.file = f
	s.path = path
	s.logger.Info("log capture started", logging.Path(path), zap.Int("pid", proc.Pid()))
	return nil
}

// Stop ends the running capture. The file path stays on record.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		return &NotCapturingError{Serial: s.serial}
	}
	proc, f := s.proc, s.file
	s.proc, s.file = nil, nil

	err := proc.Stop()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("stop log capture: %w", err)
	}
	s.logger.Info("log capture stopped", logging.Path(s.path))
	return nil
}

// Active reports whether a capture is running.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Path is the most recent capture file, empty if the device never captured.
func (s *Supervisor) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Alive reports whether the capture process still exists on the host.
func (s *Supervisor) Alive(ctx context.Context) (bool, error) {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return false, nil
	}
	return process.PidExistsWithContext(ctx, int32(proc.Pid()))
}

// ExtractWindow copies the captured lines stamped between start and now into
// a new file under ExcerptDir and returns its path. An empty window still
// produces a file.
func (s *Supervisor) ExtractWindow(tag string, start time.Time) (string, error) {
	src := s.Path()
	if src == "" {
		return "", &NoCaptureDataError{Serial: s.serial}
	}
	end := s.now()

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open capture file: %w", err)
	}
	defer in.Close()

	outDir := filepath.Join(s.dir, ExcerptDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create excerpt dir: %w", err)
	}
	dst := filepath.Join(outDir, naming.ExcerptName(tag, start, filepath.Base(src)))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create excerpt: %w", err)
	}

	w := bufio.NewWriter(out)
	n := 0
	scanErr := ScanWindow(in, start, end, func(line string) bool {
		_, _ = w.WriteString(line)
		_ = w.WriteByte('\n')
		n++
		return true
	})
	err = w.Flush()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if scanErr != nil {
		return "", fmt.Errorf("read capture file: %w", scanErr)
	}
	if err != nil {
		return "", fmt.Errorf("write excerpt: %w", err)
	}

	s.logger.Debug("log window extracted", logging.Path(dst), zap.Int("lines", n))
	return dst, nil
}
