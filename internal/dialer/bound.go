package dialer

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/criggerbrannon-hash/rotor6/internal/pool"
)

type boundDialer struct {
	cfg  Config
	pool *pool.Pool
	log  zerolog.Logger
}

// NewBoundDialer returns a Dialer that asks p for a source address before
// each dial and binds the outbound socket to it with SO_REUSEADDR set.
func NewBoundDialer(cfg Config, p *pool.Pool, log zerolog.Logger) Dialer {
	return &boundDialer{cfg: cfg, pool: p, log: log}
}

func (d *boundDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	src := d.pool.Next()

	ip := net.ParseIP(src)
	if ip == nil {
		return nil, fmt.Errorf("pool returned unparsable address %q", src)
	}

	dd := net.Dialer{
		Timeout:   d.cfg.DialTimeout,
		LocalAddr: &net.TCPAddr{IP: ip},
		Control:   setReuseAddr,
	}

	d.log.Debug().Str("destination", address).Str("source", src).Msg("dialing via source address")

	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s from %s: %w", network, address, src, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(d.cfg.KeepAlive)
	}

	return conn, nil
}

func setReuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
