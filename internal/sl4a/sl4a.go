// Package sl4a speaks the newline-delimited JSON-RPC protocol of the
// on-device scripting agent.
package sl4a

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDevicePort is the port the agent listens on inside the device.
const DefaultDevicePort = 8080

const (
	cmdInitiate = "initiate"
	cmdContinue = "continue"
	unknownUID  = -1
)

// ErrHandshake is returned when the agent refuses a session handshake.
var ErrHandshake = errors.New("sl4a handshake rejected")

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("sl4a connection closed")

// LaunchCommand is the shell command that starts the agent listening on
// devicePort.
func LaunchCommand(devicePort int) string {
	return "am start -a com.googlecode.android_scripting.action.LAUNCH_SERVER " +
		"--ei com.googlecode.android_scripting.extra.USE_SERVICE_PORT " + strconv.Itoa(devicePort) + " " +
		"com.googlecode.android_scripting/.activity.ScriptingLayerServiceLauncher"
}

// RemoteError is an error reported by the agent in an RPC response.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sl4a %s: %s", e.Method, e.Message)
}

type handshake struct {
	Cmd string `json:"cmd"`
	UID int    `json:"uid"`
}

type handshakeReply struct {
	Status bool `json:"status"`
	UID    int  `json:"uid"`
}

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// Conn is one connection to an agent session. Calls are serialised; Close
// may be called concurrently with a pending Call and unblocks it.
type Conn struct {
	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	uid    int
	nextID int64
	closed atomic.Bool
}

// Open starts a new session on the agent at addr.
func Open(ctx context.Context, addr string) (*Conn, error) {
	return dial(ctx, addr, cmdInitiate, unknownUID)
}

// Join opens another connection to the existing session uid.
func Join(ctx context.Context, addr string, uid int) (*Conn, error) {
	return dial(ctx, addr, cmdContinue, uid)
}

func dial(ctx context.Context, addr, cmd string, uid int) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Conn{conn: nc, r: bufio.NewReader(nc)}
	if err := c.handshake(ctx, cmd, uid); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, cmd string, uid int) error {
	c.setDeadline(ctx)
	defer c.conn.SetDeadline(time.Time{})

	if err := c.writeLine(handshake{Cmd: cmd, UID: uid}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	var reply handshakeReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	if !reply.Status {
		return ErrHandshake
	}
	c.uid = reply.UID
	return nil
}

// UID is the session identifier the agent assigned.
func (c *Conn) UID() int {
	return c.uid
}

// Call invokes method with params and returns the raw JSON result. A call
// that fails after its request may have reached the agent leaves the reply
// stream out of step, so the connection is closed and later calls return
// ErrClosed.
func (c *Conn) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params == nil {
		params = []any{}
	}

	c.nextID++
	id := c.nextID

	c.setDeadline(ctx)
	defer c.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.writeLine(request{ID: id, Method: method, Params: params}); err != nil {
		return nil, c.abandon(ctx, fmt.Errorf("send %s: %w", method, err))
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, c.abandon(ctx, fmt.Errorf("read %s: %w", method, err))
	}

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, c.abandon(ctx, fmt.Errorf("decode %s: %w", method, err))
	}
	if resp.ID != id {
		return nil, c.abandon(ctx, fmt.Errorf("sl4a %s: response id %d does not match request id %d", method, resp.ID, id))
	}
	if resp.Error != nil {
		return nil, &RemoteError{Method: method, Message: *resp.Error}
	}
	return resp.Result, nil
}

// abandon closes a connection whose reply stream can no longer be trusted
// and picks the error to report: ErrClosed if it was closed under the call,
// the context error if the call was cancelled, err otherwise.
func (c *Conn) abandon(ctx context.Context, err error) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	_ = c.conn.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// CloseSession asks the agent to terminate the session this connection
// belongs to.
func (c *Conn) CloseSession(ctx context.Context) error {
	_, err := c.Call(ctx, "closeSl4aSession")
	return err
}

// Close closes the local socket.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(append(b, '\n'))
	return err
}

func (c *Conn) setDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	}
}
