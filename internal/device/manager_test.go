package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rsclarke/droidrig/internal/events"
	"github.com/rsclarke/droidrig/internal/sl4a"
)

func TestProvisionUnreachable(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	r.opts.Serial = "MISSING"

	_, err := Provision(context.Background(), r.opts, r.deps)

	var unreachable *UnreachableDeviceError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "MISSING", unreachable.Serial)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, events.OpProvision, opErr.Op)
	assert.Contains(t, err.Error(), "MISSING")
	assert.Contains(t, err.Error(), "provision")
}

func TestProvisionAttached(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")

	m, err := Provision(context.Background(), r.opts, r.deps)
	require.NoError(t, err)

	assert.Equal(t, Provisioned, m.State())
	assert.Equal(t, 1, r.tr.called("ABC root"))
	bootloader, err := m.IsBootloader(context.Background())
	require.NoError(t, err)
	assert.False(t, bootloader)
	assert.Equal(t, filepath.Join(r.opts.LogDir, "AndroidDeviceABC"), m.LogDir())
	assert.Equal(t, []string{"provision:provisioned"}, r.obs.ops())
}

func TestProvisionBootloaderSkipsRoot(t *testing.T) {
	r := newRig(t.TempDir())
	r.tr.fastboot = []string{"FB1"}
	r.opts.Serial = "FB1"

	m, err := Provision(context.Background(), r.opts, r.deps)
	require.NoError(t, err)
	assert.Equal(t, 0, r.tr.called("FB1 root"))

	bootloader, err := m.IsBootloader(context.Background())
	require.NoError(t, err)
	assert.True(t, bootloader)
}

func TestStartServices(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	require.NoError(t, m.StartServices(ctx, false))
	t.Cleanup(func() { _ = m.Release(ctx) })

	assert.Equal(t, ServicesRunning, m.State())
	assert.True(t, m.Capture().Active())
	assert.Equal(t, "adblog,sailfish_name,ABC.txt", filepath.Base(m.Capture().Path()))
	assert.Equal(t, 1, r.tr.called("ABC shell logpersist.start"))
	assert.Equal(t, 1, r.tr.called("ABC forward"))
	assert.Equal(t, 1, m.Sessions().Len())
	assert.NotNil(t, m.Primary())
	require.NotNil(t, m.Router())
	assert.True(t, m.Router().Running())
	assert.NotZero(t, m.HostPort())
	assert.True(t, r.ports.Held(m.HostPort()))
	assert.Equal(t, []events.ArtifactKind{events.ArtifactCapture}, r.obs.kinds())
}

func TestStartServicesSkipAgent(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	require.NoError(t, m.StartServices(ctx, true))
	assert.True(t, m.Capture().Active())
	assert.Equal(t, 0, r.agent.openCount())
	assert.Nil(t, m.Router())
}

func TestStartServicesLaunchesAgentOnce(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	r.agent.failOpen = 1
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	require.NoError(t, m.StartServices(ctx, false))
	assert.Equal(t, 2, r.agent.openCount())
	assert.Equal(t, 1, r.tr.called("ABC shell "+sl4a.LaunchCommand(sl4a.DefaultDevicePort)))
	assert.Equal(t, 1, m.Sessions().Len())
}

func TestStartServicesAgentFailureKeepsCapture(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	r.agent.failOpen = 2
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	err = m.StartServices(ctx, false)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, events.OpStartServices, opErr.Op)
	assert.True(t, m.Capture().Active())
	assert.Equal(t, 0, m.Sessions().Len())
	assert.Equal(t, Provisioned, m.State())
}

func TestStartServicesCaptureFailure(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	r.deps.Spawner = fakeSpawner{err: errors.New("adb gone")}
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	require.Error(t, m.StartServices(ctx, false))
	assert.False(t, m.Capture().Active())
	assert.Equal(t, 0, r.agent.openCount())
	assert.Equal(t, 0, r.tr.called("ABC forward"))
}

func TestStopServicesIdle(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	assert.NoError(t, m.StopServices(ctx))
	assert.NoError(t, m.StopServices(ctx))
	assert.Equal(t, Provisioned, m.State())
}

func TestStopServices(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)
	require.NoError(t, m.StartServices(ctx, false))
	rt := m.Router()

	require.NoError(t, m.StopServices(ctx))
	assert.False(t, m.Capture().Active())
	assert.Equal(t, 0, m.Sessions().Len())
	assert.False(t, rt.Running())
	assert.Equal(t, Provisioned, m.State())
}

func TestRelease(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)
	require.NoError(t, m.StartServices(ctx, false))
	port := m.HostPort()

	require.NoError(t, m.Release(ctx))
	assert.Equal(t, Released, m.State())
	assert.Equal(t, 1, r.tr.called("ABC remove-forward"))
	assert.False(t, r.ports.Held(port))
	assert.Zero(t, m.HostPort())
	assert.False(t, m.Capture().Active())

	ops := r.obs.ops()
	assert.Equal(t, "release:released", ops[len(ops)-1])
}

func TestReleaseWithoutForward(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx))
	assert.Equal(t, 0, r.tr.called("ABC remove-forward"))
}

func TestTakeDiagnosticReportZipped(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	r.tr.set("bugreportz -v", "bugreportz 1.1\n")
	r.tr.set("bugreportz", "OK:/data/user_de/0/com.android.shell/files/bugreports/br.zip\n")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	start := time.Date(2026, time.June, 15, 17, 3, 0, 0, time.Local)
	path, err := m.TakeDiagnosticReport(ctx, "test_call", start)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(m.LogDir(), ReportDir, "test_call,06-15_17-03-00.000,ABC.zip"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "zip:/data/user_de/0/com.android.shell/files/bugreports/br.zip", string(data))
	assert.Equal(t, []events.ArtifactKind{events.ArtifactReport}, r.obs.kinds())
}

func TestTakeDiagnosticReportFallback(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	r.tr.set("bugreportz -v", "/system/bin/sh: bugreportz: not found\n")
	r.tr.set("bugreport", "== dumpstate ==\n")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	path, err := m.TakeDiagnosticReport(ctx, strings.Repeat("l", 300), time.Now())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ",ABC.txt"))
	assert.LessOrEqual(t, len(filepath.Base(path)), 255)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "== dumpstate ==\n", string(data))
}

func TestTakeDiagnosticReportBugreportzFailure(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	r.tr.set("bugreportz -v", "1.1")
	r.tr.set("bugreportz", "FAIL:could not start\n")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	_, err = m.TakeDiagnosticReport(ctx, "x", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not start")
}

func TestWaitForBootCompletionTimeout(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	r.opts.BootTimeout = 50 * time.Millisecond
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)
	r.tr.set("getprop sys.boot_completed", "0\n")

	err = m.WaitForBootCompletion(ctx)
	var timeout *BootTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "ABC", timeout.Serial)
}

func TestWaitForBootCompletionToleratesOffline(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)
	r.tr.fail("getprop sys.boot_completed", 3)

	require.NoError(t, m.WaitForBootCompletion(ctx))
	assert.Equal(t, 4, r.tr.called("ABC shell getprop sys.boot_completed"))
}

func TestReboot(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)
	require.NoError(t, m.StartServices(ctx, false))
	t.Cleanup(func() { _ = m.Release(ctx) })
	before := m.Sessions().IDs()

	require.NoError(t, m.Reboot(ctx))

	assert.Equal(t, ServicesRunning, m.State())
	assert.Equal(t, 1, r.tr.called("ABC reboot"))
	assert.Equal(t, 2, r.tr.called("ABC root"))
	assert.True(t, m.Capture().Active())
	assert.Equal(t, 1, m.Sessions().Len())
	assert.NotEqual(t, before, m.Sessions().IDs())
	assert.True(t, m.Router().Running())
	assert.Contains(t, r.obs.ops(), "reboot:services_running")
}

func TestRebootWithoutServices(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Release(ctx) })

	require.NoError(t, m.Reboot(ctx))
	assert.Equal(t, 1, r.agent.openCount())
	assert.Equal(t, 1, m.Sessions().Len())
	assert.True(t, m.Router().Running())
	assert.False(t, m.Capture().Active())
	assert.Equal(t, ServicesRunning, m.State())
}

func TestRebootSkipAgent(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	r.opts.SkipAgent = true
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)
	require.NoError(t, m.StartServices(ctx, true))
	t.Cleanup(func() { _ = m.Release(ctx) })

	require.NoError(t, m.Reboot(ctx))
	assert.Equal(t, 0, r.agent.openCount())
	assert.True(t, m.Capture().Active())
	assert.Equal(t, ServicesRunning, m.State())
}

func TestRebootSkipAgentNothingRunning(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	r.opts.SkipAgent = true
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	require.NoError(t, m.Reboot(ctx))
	assert.Equal(t, 0, r.agent.openCount())
	assert.Equal(t, Provisioned, m.State())
}

func TestRebootBootTimeout(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	r.opts.BootTimeout = 30 * time.Millisecond
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)
	r.tr.set("getprop sys.boot_completed", "")

	err = m.Reboot(ctx)
	var timeout *BootTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, Rebooting, m.State())
}

func TestRebootBootloader(t *testing.T) {
	r := newRig(t.TempDir())
	r.tr.fastboot = []string{"FB1"}
	r.opts.Serial = "FB1"
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	require.NoError(t, m.Reboot(ctx))
	assert.Equal(t, 1, r.tr.called("FB1 fastboot-reboot"))
	assert.Equal(t, 0, r.tr.called("FB1 reboot"))
}

func TestExtractLogWindow(t *testing.T) {
	r := newRig(t.TempDir(), "ABC")
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	_, err = m.ExtractLogWindow(ctx, "tag", time.Now())
	require.Error(t, err)

	require.NoError(t, m.StartServices(ctx, true))
	path, err := m.ExtractLogWindow(ctx, "tag", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Contains(t, r.obs.kinds(), events.ArtifactExcerpt)
}

func TestExtractLogWindowWarnsWhenCaptureDied(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := newRig(t.TempDir(), "ABC")
	r.deps.Logger = zap.New(core)
	r.deps.Spawner = fakeSpawner{pid: deadPid}
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)
	require.NoError(t, m.StartServices(ctx, true))

	assert.False(t, m.CaptureAlive(ctx))
	path, err := m.ExtractLogWindow(ctx, "tag", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.FileExists(t, path)

	require.NoError(t, m.StopServices(ctx))
	assert.Equal(t, 3, logs.FilterMessage("log capture process exited").Len())
}

func TestCaptureAlive(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := newRig(t.TempDir(), "ABC")
	r.deps.Logger = zap.New(core)
	ctx := context.Background()
	m, err := Provision(ctx, r.opts, r.deps)
	require.NoError(t, err)

	assert.False(t, m.CaptureAlive(ctx))
	require.NoError(t, m.StartServices(ctx, true))
	assert.True(t, m.CaptureAlive(ctx))
	require.NoError(t, m.StopServices(ctx))
	assert.Zero(t, logs.Len())
}
