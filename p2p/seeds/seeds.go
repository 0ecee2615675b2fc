// Package seeds bootstraps the peer directory from DNS seeders when no
// addresses are known yet.
package seeds

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// DefaultHosts are the well-known mainnet DNS seeders.
var DefaultHosts = []string{
	"seed.bitcoin.sipa.be",
	"dnsseed.bluematt.me",
	"seed.bitcoinstats.com",
}

// DefaultPort is the mainnet listening port appended to every seeded IP.
const DefaultPort = 8333

// Resolver turns seed hostnames into dialable host:port strings.
type Resolver interface {
	Resolve(ctx context.Context, hosts []string, port uint16) ([]string, error)
}

// DNSResolver queries A and AAAA records directly so seeder answers are
// not capped or reordered by the local stub resolver.
type DNSResolver struct {
	// Server is the nameserver as host:port. Empty selects the first
	// server from the system resolver configuration.
	Server  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Resolve queries every host and returns the merged, deduplicated address
// list. Per-host failures are logged and skipped; the call only errors
// when no host yields any address.
func (r *DNSResolver) Resolve(ctx context.Context, hosts []string, port uint16) ([]string, error) {
	server := r.Server
	if server == "" {
		server = systemNameserver()
	}
	client := &dns.Client{Timeout: r.timeout()}
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}

	seen := make(map[string]struct{})
	var out []string
	for _, host := range hosts {
		ips, err := lookup(ctx, client, server, host)
		if err != nil {
			log.Warn("seed lookup failed", "host", host, "error", err)
			continue
		}
		log.Info("seed resolved", "host", host, "addresses", len(ips))
		for _, ip := range ips {
			addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses from %d seed hosts", len(hosts))
	}
	return out, nil
}

func (r *DNSResolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func lookup(ctx context.Context, client *dns.Client, server, host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true
		resp, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			if qtype == dns.TypeA {
				return nil, err
			}
			continue
		}
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A)
			case *dns.AAAA:
				ips = append(ips, a.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("empty answer for %s", host)
	}
	return ips, nil
}

func systemNameserver() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return "8.8.8.8:53"
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

// StaticResolver returns a fixed list, for tests and air-gapped setups.
type StaticResolver struct{ Addrs []string }

func (s *StaticResolver) Resolve(_ context.Context, _ []string, _ uint16) ([]string, error) {
	if len(s.Addrs) == 0 {
		return nil, fmt.Errorf("static resolver has no addresses")
	}
	return append([]string(nil), s.Addrs...), nil
}
