package registry

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Default values applied by Options.withDefaults.
const (
	DefaultProbeScheme = "http"
	DefaultProbePath   = "/pools"
	DefaultConnScheme  = "couchbase"
)

var (
	// ErrEmpty is returned when the source list yields no candidates.
	ErrEmpty = errors.New("cluster list is empty")
	// ErrMalformed is returned when an entry cannot be parsed as host[:port].
	ErrMalformed = errors.New("malformed cluster entry")
)

// Options controls how raw host entries are turned into candidates.
type Options struct {
	ProbeScheme string // scheme of the status surface (http or https)
	ProbePath   string // path of the status surface, e.g. /pools
	ConnScheme  string // scheme used in the gateway connection string
}

func (o Options) withDefaults() Options {
	if o.ProbeScheme == "" {
		o.ProbeScheme = DefaultProbeScheme
	}
	if o.ProbePath == "" {
		o.ProbePath = DefaultProbePath
	}
	if !strings.HasPrefix(o.ProbePath, "/") {
		o.ProbePath = "/" + o.ProbePath
	}
	if o.ConnScheme == "" {
		o.ConnScheme = DefaultConnScheme
	}
	return o
}

// Candidate is one backend cluster eligible to be the active target.
// It is immutable once built by the registry.
type Candidate struct {
	Host       string `json:"host"`      // host[:port] exactly as configured
	ProbeURL   string `json:"probe_url"` // status surface used by the health probe
	connScheme string
}

// Hostname returns Host without the port.
func (c Candidate) Hostname() string {
	if h, _, err := net.SplitHostPort(c.Host); err == nil {
		return h
	}
	return c.Host
}

// ConnString is the connection string embedded into the gateway config.
// The port is dropped: the gateway talks to the cluster on its data port.
func (c Candidate) ConnString() string {
	scheme := c.connScheme
	if scheme == "" {
		scheme = DefaultConnScheme
	}
	return scheme + "://" + c.Hostname()
}

func (c Candidate) String() string { return c.Host }

// Registry is the ordered, read-only set of candidates.
type Registry struct {
	candidates []Candidate
}

// Parse splits a comma separated list (the CLUSTERS variable) and builds a Registry.
func Parse(list string, opts Options) (*Registry, error) {
	return New(strings.Split(list, ","), opts)
}

// New builds a Registry from host entries, preserving order. Blank entries are
// skipped; an empty result, an invalid entry or a duplicate is an error.
func New(entries []string, opts Options) (*Registry, error) {
	opts = opts.withDefaults()
	seen := make(map[string]struct{}, len(entries))
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		host := strings.TrimSpace(e)
		if host == "" {
			continue
		}
		if err := validateHost(host); err != nil {
			return nil, err
		}
		if _, dup := seen[host]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrMalformed, host)
		}
		seen[host] = struct{}{}
		u := url.URL{Scheme: opts.ProbeScheme, Host: host, Path: opts.ProbePath}
		out = append(out, Candidate{Host: host, ProbeURL: u.String(), connScheme: opts.ConnScheme})
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return &Registry{candidates: out}, nil
}

func validateHost(host string) error {
	if strings.ContainsAny(host, " \t/\\?#@") || strings.Contains(host, "://") {
		return fmt.Errorf("%w: %q", ErrMalformed, host)
	}
	if strings.Contains(host, ":") {
		h, p, err := net.SplitHostPort(host)
		if err != nil || h == "" || p == "" {
			return fmt.Errorf("%w: %q", ErrMalformed, host)
		}
	}
	return nil
}

// Candidates returns the candidates in registry order. The slice is a copy.
func (r *Registry) Candidates() []Candidate {
	return append([]Candidate(nil), r.candidates...)
}

// First returns the first candidate in registry order.
func (r *Registry) First() Candidate { return r.candidates[0] }

// Len returns the number of candidates.
func (r *Registry) Len() int { return len(r.candidates) }

// Lookup finds a candidate by its configured host.
func (r *Registry) Lookup(host string) (Candidate, bool) {
	host = strings.TrimSpace(host)
	for _, c := range r.candidates {
		if c.Host == host {
			return c, true
		}
	}
	return Candidate{}, false
}
