package seeds

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// dnsResolver performs TXT lookups with an explicit DNS client instead of the
// runtime resolver, so seed queries honor their own timeout and can target a
// configured upstream.
type dnsResolver struct {
	client  *dns.Client
	servers []string
}

// NewResolver builds a TXT resolver querying the supplied servers
// ("host:port"). With no servers, the system configuration is used.
func NewResolver(servers ...string) Resolver {
	cleaned := make([]string, 0, len(servers))
	for _, server := range servers {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		cleaned = append(cleaned, server)
	}
	return &dnsResolver{
		client:  &dns.Client{Timeout: 5 * time.Second},
		servers: cleaned,
	}
}

// DefaultResolver returns a resolver using the system DNS configuration.
func DefaultResolver() Resolver {
	return NewResolver()
}

func (r *dnsResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	servers := r.servers
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			// No usable resolver config; fall back to the runtime.
			return net.DefaultResolver.LookupTXT(ctx, name)
		}
		for _, server := range conf.Servers {
			servers = append(servers, net.JoinHostPort(server, conf.Port))
		}
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dns: query %s against %s: rcode %s", name, server, dns.RcodeToString[resp.Rcode])
			continue
		}
		var records []string
		for _, answer := range resp.Answer {
			if txt, ok := answer.(*dns.TXT); ok {
				// Long records arrive split into segments.
				records = append(records, strings.Join(txt.Txt, ""))
			}
		}
		return records, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dns: no servers configured for %s", name)
	}
	return nil, lastErr
}
