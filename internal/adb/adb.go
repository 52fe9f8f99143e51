// Package adb drives Android devices through the adb and fastboot binaries.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/logging"
)

// Device states as reported by "adb devices" and "fastboot devices".
const (
	StateDevice   = "device"
	StateFastboot = "fastboot"
)

// Error describes a failed adb or fastboot invocation.
type Error struct {
	Args     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      error
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(string(e.Stderr))
	if msg == "" {
		msg = strings.TrimSpace(string(e.Stdout))
	}
	return fmt.Sprintf("%s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Runner executes a binary and returns what it wrote to stdout and stderr.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// Proxy issues adb and fastboot commands. The zero value uses the binaries
// found on PATH.
type Proxy struct {
	ADBPath      string
	FastbootPath string
	Logger       *zap.Logger
	Run          Runner
}

// New returns a Proxy for the given binaries.
func New(adbPath, fastbootPath string, logger *zap.Logger) *Proxy {
	return &Proxy{
		ADBPath:      adbPath,
		FastbootPath: fastbootPath,
		Logger:       logger,
	}
}

func (p *Proxy) adbPath() string {
	if p.ADBPath == "" {
		return "adb"
	}
	return p.ADBPath
}

func (p *Proxy) fastbootPath() string {
	if p.FastbootPath == "" {
		return "fastboot"
	}
	return p.FastbootPath
}

func (p *Proxy) run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	logging.OrNop(p.Logger).Debug("exec", zap.String("bin", name), zap.Strings("args", args))
	run := p.Run
	if run == nil {
		run = ExecRunner
	}
	stdout, stderr, err := run(ctx, name, args...)
	if err != nil {
		var adbErr *Error
		if !errors.As(err, &adbErr) {
			err = &Error{
				Args:     append([]string{name}, args...),
				ExitCode: -1,
				Stdout:   stdout,
				Stderr:   stderr,
				Err:      err,
			}
		}
	}
	return stdout, stderr, err
}

// ExecRunner runs the binary with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return stdout.Bytes(), stderr.Bytes(), &Error{
			Args:     append([]string{name}, args...),
			ExitCode: code,
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Err:      err,
		}
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func (p *Proxy) adb(ctx context.Context, serial string, args ...string) ([]byte, error) {
	if serial != "" {
		args = append([]string{"-s", serial}, args...)
	}
	out, _, err := p.run(ctx, p.adbPath(), args...)
	return out, err
}

func (p *Proxy) fastboot(ctx context.Context, serial string, args ...string) ([]byte, []byte, error) {
	if serial != "" {
		args = append([]string{"-s", serial}, args...)
	}
	return p.run(ctx, p.fastbootPath(), args...)
}

// ParseDeviceList extracts the serials in the given state from the output of
// "adb devices" or "fastboot devices".
func ParseDeviceList(out []byte, state string) []string {
	var serials []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) == 2 && fields[1] == state {
			serials = append(serials, fields[0])
		}
	}
	return serials
}

// ListAttached returns the serials adb reports as online.
func (p *Proxy) ListAttached(ctx context.Context) ([]string, error) {
	out, err := p.adb(ctx, "", "devices")
	if err != nil {
		return nil, err
	}
	return ParseDeviceList(out, StateDevice), nil
}

// ListFastboot returns the serials currently in flash mode.
func (p *Proxy) ListFastboot(ctx context.Context) ([]string, error) {
	out, _, err := p.fastboot(ctx, "", "devices")
	if err != nil {
		return nil, err
	}
	return ParseDeviceList(out, StateFastboot), nil
}

// Shell runs command on the device and returns its output.
func (p *Proxy) Shell(ctx context.Context, serial, command string) ([]byte, error) {
	return p.adb(ctx, serial, "shell", command)
}

// Pull copies src on the device to dst on the host.
func (p *Proxy) Pull(ctx context.Context, serial, src, dst string) error {
	_, err := p.adb(ctx, serial, "pull", src, dst)
	return err
}

// Push copies src on the host to dst on the device.
func (p *Proxy) Push(ctx context.Context, serial, src, dst string) error {
	_, err := p.adb(ctx, serial, "push", src, dst)
	return err
}

// Forward maps hostPort on the host to devicePort on the device.
func (p *Proxy) Forward(ctx context.Context, serial string, hostPort, devicePort int) error {
	_, err := p.adb(ctx, serial, "forward", tcp(hostPort), tcp(devicePort))
	return err
}

// RemoveForward drops the mapping for hostPort.
func (p *Proxy) RemoveForward(ctx context.Context, serial string, hostPort int) error {
	_, err := p.adb(ctx, serial, "forward", "--remove", tcp(hostPort))
	return err
}

// Root restarts adbd as root, when the build allows it, and waits for the
// device to come back.
func (p *Proxy) Root(ctx context.Context, serial string) error {
	if _, err := p.adb(ctx, serial, "root"); err != nil {
		return err
	}
	return p.WaitForDevice(ctx, serial)
}

// WaitForDevice blocks until adb sees the device.
func (p *Proxy) WaitForDevice(ctx context.Context, serial string) error {
	_, err := p.adb(ctx, serial, "wait-for-device")
	return err
}

// Reboot reboots the device normally.
func (p *Proxy) Reboot(ctx context.Context, serial string) error {
	_, err := p.adb(ctx, serial, "reboot")
	return err
}

// FastbootReboot reboots a device that is in flash mode.
func (p *Proxy) FastbootReboot(ctx context.Context, serial string) error {
	_, _, err := p.fastboot(ctx, serial, "reboot")
	return err
}

// FastbootGetVar reads a bootloader variable. fastboot reports variables on
// stderr, e.g. "product: walleye".
func (p *Proxy) FastbootGetVar(ctx context.Context, serial, name string) (string, error) {
	out, stderr, err := p.fastboot(ctx, serial, "getvar", name)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		out = stderr
	}
	return string(out), nil
}

// LogcatCommand builds the long-running logcat command for a device.
func (p *Proxy) LogcatCommand(ctx context.Context, serial string, params []string) *exec.Cmd {
	args := []string{"-s", serial, "logcat", "-v", "threadtime"}
	args = append(args, params...)
	return exec.CommandContext(ctx, p.adbPath(), args...)
}

func tcp(port int) string {
	return "tcp:" + strconv.Itoa(port)
}
