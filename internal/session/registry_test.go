package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id ID

	mu            sync.Mutex
	sessionClosed bool
	closed        bool
	closeErr      error
}

func (c *fakeConn) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if method == "eventWait" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return json.RawMessage(`true`), nil
}

func (c *fakeConn) CloseSession(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionClosed = true
	return c.closeErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) state() (sessionClosed, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionClosed, c.closed
}

type fakeAgent struct {
	mu      sync.Mutex
	ids     []ID
	opened  []*fakeConn
	joined  []*fakeConn
	openErr error
}

func (a *fakeAgent) Open(context.Context, int) (ID, Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openErr != nil {
		return 0, nil, a.openErr
	}
	id := a.ids[0]
	a.ids = a.ids[1:]
	c := &fakeConn{id: id}
	a.opened = append(a.opened, c)
	return id, c, nil
}

func (a *fakeAgent) Join(_ context.Context, _ int, id ID) (Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := &fakeConn{id: id}
	a.joined = append(a.joined, c)
	return c, nil
}

func TestOpenRegistersSession(t *testing.T) {
	agent := &fakeAgent{ids: []ID{7}}
	r := NewRegistry("ABC", agent, nil)

	id, conn, err := r.Open(context.Background(), 9000)
	require.NoError(t, err)
	assert.Equal(t, ID(7), id)
	assert.Same(t, agent.opened[0], conn)
	assert.True(t, r.Has(7))
	assert.Equal(t, 1, r.Len())
	assert.Same(t, conn, r.Primary())
}

func TestOpenDuplicateID(t *testing.T) {
	agent := &fakeAgent{ids: []ID{3, 3}}
	r := NewRegistry("ABC", agent, nil)

	_, first, err := r.Open(context.Background(), 9000)
	require.NoError(t, err)

	_, _, err = r.Open(context.Background(), 9000)
	var dup *DuplicateSessionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, ID(3), dup.ID)
	assert.Equal(t, "ABC", dup.Serial)

	_, closed := agent.opened[1].state()
	assert.True(t, closed, "rejected connection should be closed")
	assert.Equal(t, 1, r.Len())
	assert.Same(t, first, r.Primary())
}

func TestOpenAgentFailure(t *testing.T) {
	agent := &fakeAgent{openErr: errors.New("connection refused")}
	r := NewRegistry("ABC", agent, nil)

	_, _, err := r.Open(context.Background(), 9000)
	require.Error(t, err)
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Primary())
}

func TestJoin(t *testing.T) {
	agent := &fakeAgent{ids: []ID{1}}
	r := NewRegistry("ABC", agent, nil)

	_, primary, err := r.Open(context.Background(), 9000)
	require.NoError(t, err)

	extra, err := r.Join(context.Background(), 9000, 1)
	require.NoError(t, err)
	assert.Equal(t, []Conn{primary, extra}, r.Conns(1))

	_, err = r.Join(context.Background(), 9000, 42)
	var unknown *UnknownSessionError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, ID(42), unknown.ID)
}

func TestRouterIsCreatedOnce(t *testing.T) {
	agent := &fakeAgent{ids: []ID{1}}
	r := NewRegistry("ABC", agent, nil)
	_, _, err := r.Open(context.Background(), 9000)
	require.NoError(t, err)

	rt1, err := r.Router(context.Background(), 9000, 1)
	require.NoError(t, err)
	rt2, err := r.Router(context.Background(), 9000, 1)
	require.NoError(t, err)

	assert.Same(t, rt1, rt2)
	assert.Len(t, agent.joined, 1)
	assert.Len(t, r.Conns(1), 2)
	assert.Equal(t, 1, len(r.Routers()))

	_, err = r.Router(context.Background(), 9000, 5)
	var unknown *UnknownSessionError
	assert.ErrorAs(t, err, &unknown)
}

func TestCloseStopsRouterAndConnections(t *testing.T) {
	agent := &fakeAgent{ids: []ID{1}}
	r := NewRegistry("ABC", agent, nil)
	_, _, err := r.Open(context.Background(), 9000)
	require.NoError(t, err)

	rt, err := r.Router(context.Background(), 9000, 1)
	require.NoError(t, err)
	rt.Start(context.Background())
	require.True(t, rt.Running())

	require.NoError(t, r.Close(context.Background(), 1))

	assert.False(t, rt.Running())
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Routers())

	sessionClosed, closed := agent.opened[0].state()
	assert.True(t, sessionClosed)
	assert.True(t, closed)

	// The event connection is only closed locally.
	sessionClosed, closed = agent.joined[0].state()
	assert.False(t, sessionClosed)
	assert.True(t, closed)
}

func TestCloseKeepsRemoteCloseOnJoinedConnections(t *testing.T) {
	agent := &fakeAgent{ids: []ID{1}}
	r := NewRegistry("ABC", agent, nil)
	_, _, err := r.Open(context.Background(), 9000)
	require.NoError(t, err)
	extra, err := r.Join(context.Background(), 9000, 1)
	require.NoError(t, err)
	_, err = r.Router(context.Background(), 9000, 1)
	require.NoError(t, err)

	require.NoError(t, r.Close(context.Background(), 1))

	sessionClosed, closed := extra.(*fakeConn).state()
	assert.True(t, sessionClosed)
	assert.True(t, closed)
}

func TestCloseUnknownLeavesRegistry(t *testing.T) {
	agent := &fakeAgent{ids: []ID{1}}
	r := NewRegistry("ABC", agent, nil)
	_, _, err := r.Open(context.Background(), 9000)
	require.NoError(t, err)

	err = r.Close(context.Background(), 99)
	var unknown *UnknownSessionError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []ID{1}, r.IDs())
}

func TestCloseAllContinuesPastFailures(t *testing.T) {
	agent := &fakeAgent{ids: []ID{4, 2, 9}}
	r := NewRegistry("ABC", agent, nil)
	for range 3 {
		_, _, err := r.Open(context.Background(), 9000)
		require.NoError(t, err)
	}
	assert.Equal(t, []ID{2, 4, 9}, r.IDs())

	agent.opened[0].closeErr = errors.New("agent gone")
	agent.opened[2].closeErr = errors.New("agent gone")

	err := r.CloseAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session 4")
	assert.Contains(t, err.Error(), "session 9")
	assert.Equal(t, 0, r.Len())
	for _, c := range agent.opened {
		_, closed := c.state()
		assert.True(t, closed)
	}
}
