package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays bytes between left and right until either side
// closes or errors, the context is canceled, or no data has moved in either
// direction for idleTimeout.
func CopyBidirectional(ctx context.Context, left, right net.Conn, idleTimeout time.Duration) error {
	var lastActive atomic.Int64
	lastActive.Store(time.Now().UnixNano())

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	lc := &activityConn{Conn: left, last: &lastActive}
	rc := &activityConn{Conn: right, last: &lastActive}

	g := errgroup.Group{}

	g.Go(func() error {
		_, err := io.Copy(lc, rc)
		closeBoth()
		return err
	})

	g.Go(func() error {
		_, err := io.Copy(rc, lc)
		closeBoth()
		return err
	})

	// Watchdog closes both sides on idle timeout or cancellation, which
	// unblocks the copies.
	stop := make(chan struct{})
	go func() {
		var tick <-chan time.Time
		if idleTimeout > 0 {
			t := time.NewTicker(idleTimeout / 4)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				closeBoth()
				return
			case <-tick:
				if time.Since(time.Unix(0, lastActive.Load())) >= idleTimeout {
					closeBoth()
					return
				}
			}
		}
	}()

	err := g.Wait()
	close(stop)
	return err
}

// activityConn records the time of the last successful read or write so the
// relay watchdog can detect idle sessions.
type activityConn struct {
	net.Conn
	last *atomic.Int64
}

func (c *activityConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.last.Store(time.Now().UnixNano())
	}
	return n, err
}

func (c *activityConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.last.Store(time.Now().UnixNano())
	}
	return n, err
}
