package resolver

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout  = 3 * time.Second
	DefaultCacheTTL = 300 * time.Second
)

// DefaultServers are the upstream resolvers queried in order.
var DefaultServers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// ErrNotFound is returned when no upstream resolver produced an AAAA record.
// Callers are expected to fall back to the platform resolver before treating
// the host as unreachable.
var ErrNotFound = errors.New("no AAAA record found")

type Config struct {
	// Servers are tried in order; each gets Timeout to answer over UDP.
	Servers []string

	Timeout time.Duration

	// CacheTTL bounds how long a resolved address is reused without a new
	// query.
	CacheTTL time.Duration

	Logger zerolog.Logger
}

// Resolver answers AAAA lookups by querying public resolvers directly over
// UDP, bypassing the OS stub resolver's address-family preference. Results
// are cached for CacheTTL.
type Resolver struct {
	cfg    Config
	client *dns.Client
	cache  *cache.Cache
	log    zerolog.Logger
}

func New(cfg Config) *Resolver {
	if len(cfg.Servers) == 0 {
		cfg.Servers = DefaultServers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	return &Resolver{
		cfg:    cfg,
		client: &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		cache:  cache.New(cfg.CacheTTL, cfg.CacheTTL),
		log:    cfg.Logger,
	}
}

// LookupAAAA resolves host to an IPv6 address, consulting the cache first.
// A malformed or empty answer counts as a failure for that server only; the
// next server in the list is tried. ErrNotFound is returned once the list is
// exhausted.
func (r *Resolver) LookupAAAA(ctx context.Context, host string) (net.IP, error) {
	if v, ok := r.cache.Get(host); ok {
		return v.(net.IP), nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)

	for _, server := range r.cfg.Servers {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			r.log.Debug().Str("host", host).Str("server", server).Err(err).Msg("dns exchange failed")
			continue
		}

		for _, rr := range in.Answer {
			aaaa, ok := rr.(*dns.AAAA)
			if !ok {
				continue
			}
			ip := aaaa.AAAA
			r.cache.SetDefault(host, ip)
			r.log.Debug().Str("host", host).Str("address", ip.String()).Str("server", server).Msg("resolved AAAA")
			return ip, nil
		}

		r.log.Debug().Str("host", host).Str("server", server).Msg("answer contained no AAAA records")
	}

	return nil, ErrNotFound
}
