package adb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	calls  []call
	stdout map[string]string
	stderr map[string]string
	fail   map[string]error
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, call{name, args})
	key := name + " " + strings.Join(args, " ")
	return []byte(f.stdout[key]), []byte(f.stderr[key]), f.fail[key]
}

func newProxy() (*Proxy, *fakeRunner) {
	f := &fakeRunner{stdout: map[string]string{}, stderr: map[string]string{}, fail: map[string]error{}}
	p := New("adb", "fastboot", nil)
	p.Run = f.run
	return p, f
}

func TestParseDeviceList(t *testing.T) {
	out := []byte("List of devices attached\nSER1\tdevice\nSER2\toffline\nSER3\tdevice\n\n")
	assert.Equal(t, []string{"SER1", "SER3"}, ParseDeviceList(out, StateDevice))
	assert.Empty(t, ParseDeviceList([]byte(""), StateDevice))
	assert.Equal(t, []string{"FB1"}, ParseDeviceList([]byte("FB1\tfastboot\n"), StateFastboot))
}

func TestListAttached(t *testing.T) {
	p, f := newProxy()
	f.stdout["adb devices"] = "List of devices attached\nSER1\tdevice\n"

	serials, err := p.ListAttached(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SER1"}, serials)
}

func TestCommandConstruction(t *testing.T) {
	ctx := context.Background()
	p, f := newProxy()

	require.NoError(t, p.Forward(ctx, "SER", 5000, 8080))
	require.NoError(t, p.RemoveForward(ctx, "SER", 5000))
	require.NoError(t, p.Pull(ctx, "SER", "/data/br.zip", "/tmp/br.zip"))
	require.NoError(t, p.Push(ctx, "SER", "/tmp/a", "/sdcard/a"))
	require.NoError(t, p.Root(ctx, "SER"))
	require.NoError(t, p.Reboot(ctx, "SER"))
	require.NoError(t, p.FastbootReboot(ctx, "SER"))
	_, err := p.Shell(ctx, "SER", "getprop sys.boot_completed")
	require.NoError(t, err)

	want := []call{
		{"adb", []string{"-s", "SER", "forward", "tcp:5000", "tcp:8080"}},
		{"adb", []string{"-s", "SER", "forward", "--remove", "tcp:5000"}},
		{"adb", []string{"-s", "SER", "pull", "/data/br.zip", "/tmp/br.zip"}},
		{"adb", []string{"-s", "SER", "push", "/tmp/a", "/sdcard/a"}},
		{"adb", []string{"-s", "SER", "root"}},
		{"adb", []string{"-s", "SER", "wait-for-device"}},
		{"adb", []string{"-s", "SER", "reboot"}},
		{"fastboot", []string{"-s", "SER", "reboot"}},
		{"adb", []string{"-s", "SER", "shell", "getprop sys.boot_completed"}},
	}
	assert.Equal(t, want, f.calls)
}

func TestRootStopsOnFailure(t *testing.T) {
	p, f := newProxy()
	f.fail["adb -s SER root"] = errors.New("boom")

	err := p.Root(context.Background(), "SER")
	require.Error(t, err)
	assert.Len(t, f.calls, 1)

	var adbErr *Error
	require.ErrorAs(t, err, &adbErr)
	assert.Equal(t, []string{"adb", "-s", "SER", "root"}, adbErr.Args)
}

func TestFastbootGetVarReadsStderr(t *testing.T) {
	p, f := newProxy()
	f.stderr["fastboot -s SER getvar product"] = "product: walleye\nFinished. Total time: 0.001s\n"

	out, err := p.FastbootGetVar(context.Background(), "SER", "product")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "product: walleye"))
}

func TestLogcatCommand(t *testing.T) {
	p, _ := newProxy()
	cmd := p.LogcatCommand(context.Background(), "SER", []string{"-b", "all"})
	assert.Equal(t, []string{"adb", "-s", "SER", "logcat", "-v", "threadtime", "-b", "all"}, cmd.Args)
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Args: []string{"adb", "root"}, ExitCode: 1, Stderr: []byte("adbd cannot run as root in production builds\n")}
	assert.Equal(t, "adb root: exit 1: adbd cannot run as root in production builds", err.Error())
}
