package logcat

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/rsclarke/droidrig/internal/adb"
)

// Process is a running capture process.
type Process interface {
	Pid() int
	Stop() error
}

// Spawner launches the capture process for a device, streaming its output
// to out.
type Spawner interface {
	Spawn(ctx context.Context, serial string, params []string, out io.Writer) (Process, error)
}

// ADBSpawner runs `adb logcat -v threadtime` through an adb proxy.
type ADBSpawner struct {
	Proxy *adb.Proxy
}

// Spawn starts logcat. The process outlives ctx cancellation and is only
// ended by Stop.
func (s ADBSpawner) Spawn(ctx context.Context, serial string, params []string, out io.Writer) (Process, error) {
	cmd := s.Proxy.LogcatCommand(context.WithoutCancel(ctx), serial, params)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &cmdProcess{cmd: cmd}, nil
}

type cmdProcess struct {
	cmd *exec.Cmd
}

func (p *cmdProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *cmdProcess) Stop() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return nil
		}
	}
	return err
}
