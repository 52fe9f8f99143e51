package device

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rsclarke/droidrig/internal/events"
	"github.com/rsclarke/droidrig/internal/logcat"
	"github.com/rsclarke/droidrig/internal/ports"
	"github.com/rsclarke/droidrig/internal/session"
)

type fakeTransport struct {
	mu       sync.Mutex
	attached []string
	fastboot []string
	shell    map[string]string
	failures map[string]int
	getvar   string
	calls    []string
}

func newTransport(attached ...string) *fakeTransport {
	return &fakeTransport{
		attached: attached,
		shell: map[string]string{
			"getprop sys.boot_completed": "1\n",
			"getprop ro.build.product":   "Sailfish\n",
			"getprop ro.product.name":    "Sailfish_Name\n",
			"getprop ro.build.id":        "QP1A.190711.020\n",
			"getprop ro.build.type":      "userdebug\n",
			"id -u":                      "0\n",
		},
		failures: make(map[string]int),
	}
}

func (t *fakeTransport) record(call string) {
	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.mu.Unlock()
}

func (t *fakeTransport) called(call string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (t *fakeTransport) set(cmd, out string) {
	t.mu.Lock()
	t.shell[cmd] = out
	t.mu.Unlock()
}

func (t *fakeTransport) fail(cmd string, times int) {
	t.mu.Lock()
	t.failures[cmd] = times
	t.mu.Unlock()
}

func (t *fakeTransport) ListAttached(context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.attached...), nil
}

func (t *fakeTransport) ListFastboot(context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.fastboot...), nil
}

func (t *fakeTransport) Shell(_ context.Context, serial, command string) ([]byte, error) {
	t.record(serial + " shell " + command)
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.failures[command]; n != 0 {
		if n > 0 {
			t.failures[command] = n - 1
		}
		return nil, errors.New("shell " + command + " failed")
	}
	return []byte(t.shell[command]), nil
}

func (t *fakeTransport) Pull(_ context.Context, serial, src, dst string) error {
	t.record(serial + " pull " + src)
	return os.WriteFile(dst, []byte("zip:"+src), 0o644)
}

func (t *fakeTransport) Forward(_ context.Context, serial string, hostPort, devicePort int) error {
	t.record(serial + " forward")
	return nil
}

func (t *fakeTransport) RemoveForward(_ context.Context, serial string, hostPort int) error {
	t.record(serial + " remove-forward")
	return nil
}

func (t *fakeTransport) Root(_ context.Context, serial string) error {
	t.record(serial + " root")
	return nil
}

func (t *fakeTransport) Reboot(_ context.Context, serial string) error {
	t.record(serial + " reboot")
	return nil
}

func (t *fakeTransport) FastbootReboot(_ context.Context, serial string) error {
	t.record(serial + " fastboot-reboot")
	return nil
}

func (t *fakeTransport) FastbootGetVar(_ context.Context, serial, name string) (string, error) {
	t.record(serial + " getvar " + name)
	return t.getvar, nil
}

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Call(ctx context.Context, method string, _ ...any) (json.RawMessage, error) {
	if method == "eventWait" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return json.RawMessage(`null`), nil
}

func (c *fakeConn) CloseSession(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeAgent struct {
	mu       sync.Mutex
	next     session.ID
	failOpen int
	opens    int
	ports    []int
}

func (a *fakeAgent) Open(_ context.Context, port int) (session.ID, session.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opens++
	a.ports = append(a.ports, port)
	if a.failOpen > 0 {
		a.failOpen--
		return 0, nil, errors.New("connection refused")
	}
	a.next++
	return a.next, &fakeConn{}, nil
}

func (a *fakeAgent) Join(context.Context, int, session.ID) (session.Conn, error) {
	return &fakeConn{}, nil
}

func (a *fakeAgent) openCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

type fakeProcess struct {
	pid int
}

func (p fakeProcess) Pid() int  { return p.pid }
func (fakeProcess) Stop() error { return nil }

// deadPid is above the largest pid_max Linux allows.
const deadPid = 1<<22 + 1

type fakeSpawner struct {
	err error
	pid int
}

func (s fakeSpawner) Spawn(context.Context, string, []string, io.Writer) (logcat.Process, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.pid != 0 {
		return fakeProcess{pid: s.pid}, nil
	}
	return fakeProcess{pid: os.Getpid()}, nil
}

type recorder struct {
	mu        sync.Mutex
	lifecycle []events.Lifecycle
	artifacts []events.Artifact
}

func (r *recorder) OnLifecycle(_ context.Context, ev *events.Lifecycle) {
	r.mu.Lock()
	r.lifecycle = append(r.lifecycle, *ev)
	r.mu.Unlock()
}

func (r *recorder) OnArtifact(_ context.Context, a *events.Artifact) {
	r.mu.Lock()
	r.artifacts = append(r.artifacts, *a)
	r.mu.Unlock()
}

func (r *recorder) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.lifecycle {
		out = append(out, string(ev.Op)+":"+ev.State)
	}
	return out
}

func (r *recorder) kinds() []events.ArtifactKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.ArtifactKind
	for _, a := range r.artifacts {
		out = append(out, a.Kind)
	}
	return out
}

type rig struct {
	tr    *fakeTransport
	agent *fakeAgent
	ports *ports.Allocator
	obs   *recorder
	deps  Deps
	opts  Options
}

func newRig(logDir string, serials ...string) *rig {
	r := &rig{
		tr:    newTransport(serials...),
		agent: &fakeAgent{},
		ports: ports.NewAllocator(),
		obs:   &recorder{},
	}
	r.deps = Deps{
		Transport: r.tr,
		Agent:     r.agent,
		Spawner:   fakeSpawner{},
		Ports:     r.ports,
		Observer:  r.obs,
		RunID:     "run-1",
		Now:       func() time.Time { return time.Date(2026, time.June, 15, 17, 3, 0, 0, time.Local) },
	}
	r.opts = Options{
		Serial:           first(serials),
		LogDir:           logDir,
		BootTimeout:      200 * time.Millisecond,
		BootPollInterval: 10 * time.Millisecond,
		AgentLaunchWait:  time.Millisecond,
	}
	return r
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
