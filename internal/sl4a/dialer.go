package sl4a

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rsclarke/droidrig/internal/session"
)

// Dialer connects to agents reachable through a forwarded host port.
type Dialer struct {
	Host    string
	Timeout time.Duration
}

func (d Dialer) addr(port int) string {
	host := d.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (d Dialer) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.Timeout)
}

// Open starts a new session on the agent behind port.
func (d Dialer) Open(ctx context.Context, port int) (session.ID, session.Conn, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	c, err := Open(ctx, d.addr(port))
	if err != nil {
		return 0, nil, err
	}
	return session.ID(c.UID()), c, nil
}

// Join opens an extra connection to session id behind port.
func (d Dialer) Join(ctx context.Context, port int, id session.ID) (session.Conn, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	c, err := Join(ctx, d.addr(port), int(id))
	if err != nil {
		return nil, err
	}
	return c, nil
}
