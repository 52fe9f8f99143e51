package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
)

// BuildInfo identifies the software build running on a device.
type BuildInfo struct {
	ID   string `json:"build_id"`
	Type string `json:"build_type"`
}

const rootCheckRetryDelay = 200 * time.Millisecond

func (m *Manager) getprop(ctx context.Context, name string) (string, error) {
	out, err := m.tr.Shell(ctx, m.opts.Serial, "getprop "+name)
	if err != nil {
		return "", fmt.Errorf("getprop %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsBootloader reports whether the device is in flash mode.
func (m *Manager) IsBootloader(ctx context.Context) (bool, error) {
	serials, err := m.tr.ListFastboot(ctx)
	if err != nil {
		return false, fmt.Errorf("list fastboot devices: %w", err)
	}
	return slices.Contains(serials, m.opts.Serial), nil
}

// Model returns the lowercase product name of the device.
func (m *Manager) Model(ctx context.Context) (string, error) {
	model, err := m.queryModel(ctx)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.model = model
	m.mu.Unlock()
	return model, nil
}

func (m *Manager) queryModel(ctx context.Context) (string, error) {
	bootloader, err := m.IsBootloader(ctx)
	if err != nil {
		return "", err
	}
	if bootloader {
		out, err := m.tr.FastbootGetVar(ctx, m.opts.Serial, "product")
		if err != nil {
			return "", fmt.Errorf("fastboot getvar product: %w", err)
		}
		// "product: sailfish"
		first, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
		fields := strings.Fields(first)
		if len(fields) < 2 {
			return "", fmt.Errorf("unexpected fastboot product output %q", out)
		}
		return strings.ToLower(fields[1]), nil
	}

	product, err := m.getprop(ctx, "ro.build.product")
	if err != nil {
		return "", err
	}
	if product = strings.ToLower(product); product == "sprout" {
		return product, nil
	}
	name, err := m.getprop(ctx, "ro.product.name")
	if err != nil {
		return "", err
	}
	return strings.ToLower(name), nil
}

// BuildInfo returns the build id and type, or nil in flash mode.
func (m *Manager) BuildInfo(ctx context.Context) (*BuildInfo, error) {
	bootloader, err := m.IsBootloader(ctx)
	if err != nil || bootloader {
		return nil, err
	}
	id, err := m.getprop(ctx, "ro.build.id")
	if err != nil {
		return nil, err
	}
	typ, err := m.getprop(ctx, "ro.build.type")
	if err != nil {
		return nil, err
	}
	return &BuildInfo{ID: id, Type: typ}, nil
}

// IsRoot reports whether adbd runs as root. The check is retried once
// because adbd may still be restarting.
func (m *Manager) IsRoot(ctx context.Context) (bool, error) {
	out, err := m.tr.Shell(ctx, m.opts.Serial, "id -u")
	if err != nil {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(rootCheckRetryDelay):
		}
		if out, err = m.tr.Shell(ctx, m.opts.Serial, "id -u"); err != nil {
			return false, err
		}
	}
	return strings.TrimSpace(string(out)) == "0", nil
}

// WaitForBootCompletion polls sys.boot_completed until it reads 1. Poll
// errors are expected while the device is offline and are ignored.
func (m *Manager) WaitForBootCompletion(ctx context.Context) error {
	timeout := m.opts.BootTimeout
	err := wait.PollUntilContextTimeout(ctx, m.opts.BootPollInterval, timeout, true,
		func(ctx context.Context) (bool, error) {
			v, err := m.getprop(ctx, "sys.boot_completed")
			if err != nil {
				m.logger.Debug("boot state unavailable", zap.Error(err))
				return false, nil
			}
			return v == "1", nil
		})
	if err == nil {
		return nil
	}
	if wait.Interrupted(err) && !errors.Is(ctx.Err(), context.Canceled) {
		return &BootTimeoutError{Serial: m.opts.Serial, Timeout: timeout}
	}
	return err
}

// RunIperfClient runs iperf3 against host on the device and returns whether
// it succeeded and its output lines.
func (m *Manager) RunIperfClient(ctx context.Context, host string, extraArgs string) (bool, []string, error) {
	cmd := strings.TrimSpace("iperf3 -c " + host + " " + extraArgs)
	out, err := m.tr.Shell(ctx, m.opts.Serial, cmd)
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if err != nil {
		return false, lines, err
	}
	if strings.Contains(strings.ToLower(lines[0]), "error") {
		return false, lines, nil
	}
	return true, lines, nil
}
