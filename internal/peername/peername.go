// Package peername recovers hostnames for remote addresses.
//
// A traced connection only carries an IP and port. Processes usually name
// their peers on the command line (--db-host=db.internal:5432,
// http://api.service.local/v1). The Resolver scans such strings for
// hostnames, hostname:port pairs and literal IPs, resolves each hostname
// once and keeps a reverse map from address to the names that produced it.
// Lookups run on a background goroutine; Ingest and Lookup never wait on DNS.
//
// This misses peers discovered at runtime but covers most configured ones.
package peername

import (
	"context"
	"net"
	"net/netip"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the remembered inputs, hostnames and addresses.
const DefaultCacheSize = 4096

const (
	lookupTimeout = time.Second
	queueSize     = 256
)

// LookupFunc resolves a hostname to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

var (
	hostnameRegex     = regexp.MustCompile(`(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}`)
	hostnamePortRegex = regexp.MustCompile(`(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}:\d{1,5}`)
	ipv4Regex         = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
	ipv6Regex         = regexp.MustCompile(`(?i)(?:\[)?(?:[0-9a-f]{0,4}:){2,7}[0-9a-f]{0,4}(?:\])?`)
)

// Resolver builds reverse lookups from ingested strings. It is safe for
// concurrent use.
type Resolver struct {
	lookup LookupFunc

	// Inputs and hostnames already handled.
	seenInputs *lru.Cache[string, struct{}]
	seenHosts  *lru.Cache[string, struct{}]

	mu        sync.Mutex
	addrHosts *lru.Cache[netip.Addr, []string]

	queue     chan string
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a resolver and starts its lookup goroutine. A nil lookup uses
// the system resolver. Close stops the goroutine.
func New(size int, lookup LookupFunc) *Resolver {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		}
	}
	// lru.New only fails on a non-positive size.
	inputs, _ := lru.New[string, struct{}](size)
	hosts, _ := lru.New[string, struct{}](size)
	addrs, _ := lru.New[netip.Addr, []string](size)
	r := &Resolver{
		lookup:     lookup,
		seenInputs: inputs,
		seenHosts:  hosts,
		addrHosts:  addrs,
		queue:      make(chan string, queueSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Close stops the lookup goroutine and waits for it. Hostnames still queued
// are not resolved.
func (r *Resolver) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		<-r.stopped
	})
}

func (r *Resolver) run() {
	defer close(r.stopped)
	for {
		select {
		case <-r.done:
			return
		case host := <-r.queue:
			r.resolve(host)
		}
	}
}

func (r *Resolver) resolve(hostname string) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	addrs, err := r.lookup(ctx, hostname)
	if err != nil {
		return
	}
	for _, addr := range addrs {
		r.addMapping(addr, hostname)
	}
}

// Ingest scans each value for endpoints. Values seen before are skipped, so
// the same command line can be fed for every record.
func (r *Resolver) Ingest(values ...string) {
	for _, v := range values {
		if v == "" {
			continue
		}
		if seen, _ := r.seenInputs.ContainsOrAdd(v, struct{}{}); seen {
			continue
		}
		r.extract(v)
	}
}

func (r *Resolver) extract(s string) {
	for _, match := range hostnamePortRegex.FindAllString(s, -1) {
		host, portStr, _ := strings.Cut(match, ":")
		if port, err := strconv.Atoi(portStr); err == nil && port >= 1 && port <= 65535 {
			r.addHostname(host)
		}
	}
	for _, match := range hostnameRegex.FindAllString(s, -1) {
		r.addHostname(match)
	}
	for _, match := range ipv4Regex.FindAllString(s, -1) {
		r.addLiteral(match)
	}
	for _, match := range ipv6Regex.FindAllString(s, -1) {
		if addr, err := netip.ParseAddr(strings.Trim(match, "[]")); err == nil && addr.Is6() && !addr.Is4In6() {
			r.addLiteral(addr.String())
		}
	}
}

func (r *Resolver) addHostname(hostname string) {
	hostname = strings.ToLower(strings.Trim(hostname, "[]"))
	if seen, _ := r.seenHosts.ContainsOrAdd(hostname, struct{}{}); seen {
		return
	}
	select {
	case r.queue <- hostname:
	default:
		// Queue full: forget the host so a later input can queue it again.
		r.seenHosts.Remove(hostname)
	}
}

func (r *Resolver) addLiteral(s string) {
	if addr, err := netip.ParseAddr(s); err == nil {
		r.addMapping(addr, addr.String())
	}
}

func (r *Resolver) addMapping(addr netip.Addr, name string) {
	addr = addr.Unmap()
	r.mu.Lock()
	defer r.mu.Unlock()
	names, _ := r.addrHosts.Peek(addr)
	if !slices.Contains(names, name) {
		r.addrHosts.Add(addr, append(slices.Clip(names), name))
	}
}

// Lookup returns the names that resolved to addr, in ingestion order.
func (r *Resolver) Lookup(addr netip.Addr) []string {
	names, _ := r.addrHosts.Get(addr.Unmap())
	return slices.Clone(names)
}

// Len returns the number of addresses with at least one name.
func (r *Resolver) Len() int {
	return r.addrHosts.Len()
}
