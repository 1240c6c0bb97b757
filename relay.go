package limitstream

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// RelayHandler forwards the limited client stream to Upstream and copies the
// upstream response back to the client without a limit. When the client
// stream is terminated at the limit, the upstream sees a half-closed
// connection; when it fails, the upstream connection is dropped.
type RelayHandler struct {
	Upstream    string
	DialTimeout time.Duration
}

func (h *RelayHandler) Handle(c *Connection) {
	err := h.relay(context.Background(), c)
	if err == nil || c.Stage().State() == Failed {
		// limit failures are recorded when the connection closes
		return
	}
	c.Server.Log.Warnf("relay %s -> %s: %v", c.RemoteAddr(), h.Upstream, err)
}

func (h *RelayHandler) relay(ctx context.Context, c *Connection) error {
	dialer := net.Dialer{Timeout: h.DialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", h.Upstream)
	if err != nil {
		return errors.Wrapf(err, "could not dial upstream %s", h.Upstream)
	}
	defer upstream.Close()

	eg, _ := errgroup.WithContext(ctx)

	eg.Go(func() error {
		_, err := io.Copy(upstream, c)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// the response side finished and cut the client read short
			err = nil
		}
		if tcp, ok := upstream.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		if err != nil {
			// unblock the response copy
			_ = upstream.Close()
		}
		return err
	})

	eg.Go(func() error {
		// responses are not limited and bypass the write buffer
		_, err := io.Copy(c.Conn, upstream)
		_ = c.Conn.SetReadDeadline(time.Now())
		return err
	})

	return eg.Wait()
}
