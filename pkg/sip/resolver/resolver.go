// Package resolver находит адрес назначения SIP запроса по RFC 3263:
// IP литерал или явный порт используются как есть, иначе запрашивается
// SRV _sip._udp / _sip._tcp, при его отсутствии A/AAAA и порт 5060.
package resolver

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// DefaultPort порт SIP по умолчанию
const DefaultPort = 5060

// Resolver DNS резолвер SIP адресов
type Resolver struct {
	// NameServer адрес DNS сервера ("8.8.8.8:53"). Пустое значение берет
	// первый сервер из /etc/resolv.conf.
	NameServer string
	// Timeout таймаут одного запроса, по умолчанию 5 секунд
	Timeout time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	addr    string
	expires time.Time
}

// Resolve возвращает "ip:port" для host. port == 0 означает, что порт в URI
// не указан и допускается SRV поиск. network "udp" или "tcp".
func (r *Resolver) Resolve(ctx context.Context, network, host string, port int) (string, error) {
	host = strings.Trim(host, "[]")
	if host == "" {
		return "", errtrace.Wrap(&net.DNSError{Err: "empty host", Name: host, IsNotFound: true})
	}
	if network == "" {
		network = "udp"
	}

	if ip := net.ParseIP(host); ip != nil {
		if port == 0 {
			port = DefaultPort
		}
		return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
	}

	key := network + "|" + host + "|" + strconv.Itoa(port)
	if addr, ok := r.cached(key); ok {
		return addr, nil
	}

	if port == 0 {
		if addr, ttl, err := r.lookupSRV(ctx, network, host); err == nil && addr != "" {
			r.store(key, addr, ttl)
			return addr, nil
		}
		port = DefaultPort
	}

	ip, ttl, err := r.lookupIP(ctx, host)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	r.store(key, addr, ttl)
	return addr, nil
}

// lookupSRV возвращает адрес цели с наименьшим приоритетом и наибольшим весом
func (r *Resolver) lookupSRV(ctx context.Context, network, host string) (string, time.Duration, error) {
	name := "_sip._" + network + "." + host
	resp, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return "", 0, errtrace.Wrap(err)
	}

	var srvs []*dns.SRV
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok {
			srvs = append(srvs, rr)
		}
	}
	if len(srvs) == 0 {
		return "", 0, errtrace.Wrap(&net.DNSError{Err: "no SRV records", Name: name, IsNotFound: true})
	}

	// RFC 2782: меньший приоритет первым, среди равных больший вес
	slices.SortStableFunc(srvs, func(a, b *dns.SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})

	best := srvs[0]
	ttl := time.Duration(best.Hdr.Ttl) * time.Second
	port := strconv.Itoa(int(best.Port))

	// адрес цели часто приходит в additional секции
	for _, extra := range resp.Extra {
		if !strings.EqualFold(extra.Header().Name, best.Target) {
			continue
		}
		switch rr := extra.(type) {
		case *dns.A:
			return net.JoinHostPort(rr.A.String(), port), ttl, nil
		case *dns.AAAA:
			return net.JoinHostPort(rr.AAAA.String(), port), ttl, nil
		}
	}

	ip, ipTTL, err := r.lookupIP(ctx, strings.TrimSuffix(best.Target, "."))
	if err != nil {
		return "", 0, errtrace.Wrap(err)
	}
	return net.JoinHostPort(ip, port), min(ttl, ipTTL), nil
}

func (r *Resolver) lookupIP(ctx context.Context, host string) (string, time.Duration, error) {
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.exchange(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ans := range resp.Answer {
			ttl := time.Duration(ans.Header().Ttl) * time.Second
			switch rr := ans.(type) {
			case *dns.A:
				return rr.A.String(), ttl, nil
			case *dns.AAAA:
				return rr.AAAA.String(), ttl, nil
			}
		}
	}
	if lastErr != nil {
		return "", 0, errtrace.Wrap(lastErr)
	}
	return "", 0, errtrace.Wrap(&net.DNSError{Err: "no such host", Name: host, IsNotFound: true})
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}
	return resp, nil
}

func (r *Resolver) cached(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.addr, true
}

func (r *Resolver) store(key, addr string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache == nil {
		r.cache = make(map[string]cacheEntry)
	}
	r.cache[key] = cacheEntry{addr: addr, expires: time.Now().Add(ttl)}
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}

	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
