package pool

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultStickyDuration = 60 * time.Second
	DefaultBlockDuration  = 300 * time.Second
)

// ErrNoUsableAddresses is returned by New when none of the candidate
// addresses can be bound locally.
var ErrNoUsableAddresses = errors.New("no usable source addresses")

type Config struct {
	// Addresses are candidate IPv6 source addresses. Each is probed at
	// startup and dropped if it cannot be bound.
	Addresses []string

	// StickyDuration is how long Next keeps returning the same address.
	StickyDuration time.Duration

	// BlockDuration is how long MarkBlocked keeps an address out of
	// rotation.
	BlockDuration time.Duration

	// Probe overrides the bind probe used to validate candidates. The
	// default binds a TCP listener on an ephemeral port at the address.
	Probe func(address string) error

	// Now overrides the clock.
	Now func() time.Time

	Logger zerolog.Logger
}

type source struct {
	addr         string
	uses         uint64
	blockedUntil time.Time
}

// Pool owns the rotation over a fixed set of outbound source addresses.
//
// All methods are safe for concurrent use; a single mutex guards the cursor,
// the sticky window, and the per-address block state.
type Pool struct {
	cfg Config
	log zerolog.Logger

	mu          sync.Mutex
	sources     []*source
	cursor      int
	sticky      *source
	stickyUntil time.Time
	last        *source
}

// New probes each candidate address and builds a pool from the ones that are
// locally bindable. It fails when no candidate survives probing.
func New(cfg Config) (*Pool, error) {
	if cfg.StickyDuration <= 0 {
		cfg.StickyDuration = DefaultStickyDuration
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	if cfg.Probe == nil {
		cfg.Probe = bindProbe
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pool{cfg: cfg, log: cfg.Logger}

	for _, addr := range cfg.Addresses {
		if err := cfg.Probe(addr); err != nil {
			p.log.Warn().Str("address", addr).Err(err).Msg("dropping unbindable source address")
			continue
		}
		p.sources = append(p.sources, &source{addr: addr})
	}

	if len(p.sources) == 0 {
		return nil, fmt.Errorf("%w (tried %d candidates)", ErrNoUsableAddresses, len(cfg.Addresses))
	}

	p.log.Info().Int("usable", len(p.sources)).Int("candidates", len(cfg.Addresses)).Msg("source address pool ready")
	return p, nil
}

func bindProbe(address string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(address, "0"))
	if err != nil {
		return err
	}
	return ln.Close()
}

// Next returns the source address the next outbound connection should bind.
//
// Within the sticky window it returns the sticky address unchanged, even if
// that address has since been blocked by value; callers that want an
// immediate re-selection use MarkBlocked, which clears the window. Otherwise
// it scans forward from the rotation cursor for the first unblocked address
// and opens a fresh sticky window on it. When every address is blocked it
// falls back to plain cursor order.
func (p *Pool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()

	if p.sticky != nil && now.Before(p.stickyUntil) {
		p.sticky.uses++
		p.last = p.sticky
		return p.sticky.addr
	}

	n := len(p.sources)
	var chosen *source
	idx := p.cursor
	for i := 0; i < n; i++ {
		s := p.sources[(p.cursor+i)%n]
		if s.blockedUntil.IsZero() || !now.Before(s.blockedUntil) {
			if !s.blockedUntil.IsZero() {
				s.blockedUntil = time.Time{}
				p.log.Info().Str("address", s.addr).Msg("block expired")
			}
			chosen = s
			idx = (p.cursor + i) % n
			break
		}
	}
	if chosen == nil {
		// Whole pool blocked: availability wins over blocking.
		idx = p.cursor % n
		chosen = p.sources[idx]
		p.log.Warn().Str("address", chosen.addr).Msg("all source addresses blocked, rotating anyway")
	}

	p.sticky = chosen
	p.stickyUntil = now.Add(p.cfg.StickyDuration)
	p.cursor = (idx + 1) % n
	chosen.uses++
	p.last = chosen

	p.log.Debug().Str("address", chosen.addr).Time("sticky_until", p.stickyUntil).Msg("selected source address")
	return chosen.addr
}

// MarkBlocked takes address out of rotation for the configured block
// duration and clears the sticky window so the next call to Next re-scans.
// An empty address blocks whichever address Next returned most recently.
func (p *Pool) MarkBlocked(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s *source
	if address == "" {
		s = p.last
	} else {
		for _, c := range p.sources {
			if c.addr == address {
				s = c
				break
			}
		}
	}
	if s == nil {
		return
	}

	s.blockedUntil = p.cfg.Now().Add(p.cfg.BlockDuration)
	p.sticky = nil
	p.stickyUntil = time.Time{}

	p.log.Info().Str("address", s.addr).Time("blocked_until", s.blockedUntil).Msg("source address blocked")
}

// ResetSticky clears the sticky window without blocking anything, forcing
// the next call to Next to rotate.
func (p *Pool) ResetSticky() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sticky = nil
	p.stickyUntil = time.Time{}
}

// ClearBlocked removes every block marker, restoring the full pool.
func (p *Pool) ClearBlocked() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sources {
		s.blockedUntil = time.Time{}
	}

	p.log.Info().Msg("cleared all address blocks")
}

// Stats returns a snapshot of cumulative usage counts per address.
func (p *Pool) Stats() map[string]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]uint64, len(p.sources))
	for _, s := range p.sources {
		out[s.addr] = s.uses
	}
	return out
}
