// Package ghclient owns every HTTP conversation with GitHub: the pooled
// transport clients, the request wrapper with error mapping and metrics, the
// large-file excerpt reader, and the Contents API helpers.
package ghclient

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adaptiv/gh-broker/pkg/config"
	"github.com/adaptiv/gh-broker/pkg/logger"
	gogithub "github.com/google/go-github/v79/github"
	"github.com/shurcooL/githubv4"
)

var clientLog = logger.New("ghclient:clients")

// userAgent identifies the broker in GitHub request logs.
const userAgent = "gh-broker"

// clientKind selects one of the three pooled clients.
type clientKind int

const (
	kindAPI clientKind = iota
	kindExternal
	kindRaw
)

// Pool holds three lazily-created HTTP clients: one for the GitHub API, one
// for arbitrary external URLs, one for raw-content streaming. Reset discards
// all three; the next use creates fresh clients, so a torn-down runtime never
// leaves the broker holding dead connections.
type Pool struct {
	cfg     *config.Config
	metrics *Metrics
	tokenFn func() string

	mu         sync.Mutex
	generation int
	clients    map[clientKind]*http.Client
	sem        chan struct{}
}

// NewPool builds a Pool on the given config.
func NewPool(cfg *config.Config) *Pool {
	return &Pool{
		cfg:     cfg,
		metrics: &Metrics{},
		tokenFn: config.OptionalGitHubToken,
		clients: make(map[clientKind]*http.Client),
		sem:     make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Metrics exposes the pool's traffic counters.
func (p *Pool) Metrics() *Metrics { return p.metrics }

// Reset discards every pooled client. Idle connections of the old clients
// are closed; in-flight requests finish on the old transports.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
	p.clients = make(map[clientKind]*http.Client)
	p.generation++
	p.sem = make(chan struct{}, p.cfg.MaxConcurrency)
	clientLog.Printf("Client pool reset (generation %d)", p.generation)
}

// Generation reports how many times the pool has been reset.
func (p *Pool) Generation() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// client returns the pooled client for kind, creating it lazily.
func (p *Pool) client(kind clientKind) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[kind]; ok {
		return c
	}
	c := p.newClient(kind)
	p.clients[kind] = c
	return c
}

func (p *Pool) newClient(kind clientKind) *http.Client {
	transport := &http.Transport{
		MaxConnsPerHost:     p.cfg.MaxConnections,
		MaxIdleConnsPerHost: p.cfg.MaxKeepalive,
	}

	var rt http.RoundTripper = &userAgentTransport{
		transport: transport,
		agent:     userAgent,
	}
	if kind == kindAPI || kind == kindRaw {
		// Token is read per request, so a rotated credential takes effect
		// without a pool reset.
		rt = &bearerAuthTransport{transport: rt, tokenFn: p.tokenFn}
	}

	timeout := p.cfg.HTTPTimeout
	if kind == kindAPI {
		timeout = p.cfg.GitHubTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	clientLog.Printf("Created HTTP client kind=%d timeout=%s", kind, timeout)
	return &http.Client{Transport: rt, Timeout: timeout}
}

// acquire takes a semaphore slot, returning the release function. The
// semaphore is swapped on Reset, so callers of a defunct generation never
// starve a fresh one.
func (p *Pool) acquire() func() {
	p.mu.Lock()
	sem := p.sem
	p.mu.Unlock()
	sem <- struct{}{}
	return func() { <-sem }
}

// REST returns a go-github client on the pooled API transport.
func (p *Pool) REST() (*gogithub.Client, error) {
	c := gogithub.NewClient(p.client(kindAPI))
	c.UserAgent = userAgent

	base := strings.TrimSuffix(p.cfg.GitHubAPIBaseURL, "/")
	if base != "" && base != "https://api.github.com" {
		var err error
		c, err = c.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, fmt.Errorf("failed to configure enterprise API URLs: %w", err)
		}
	}
	return c, nil
}

// GraphQL returns a githubv4 client on the pooled API transport.
func (p *Pool) GraphQL() *githubv4.Client {
	base := strings.TrimSuffix(p.cfg.GitHubAPIBaseURL, "/")
	if base != "" && base != "https://api.github.com" {
		return githubv4.NewEnterpriseClient(base+"/graphql", p.client(kindAPI))
	}
	return githubv4.NewClient(p.client(kindAPI))
}

type userAgentTransport struct {
	transport http.RoundTripper
	agent     string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.transport.RoundTrip(req)
}

type bearerAuthTransport struct {
	transport http.RoundTripper
	tokenFn   func() string
}

func (t *bearerAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if token := t.tokenFn(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return t.transport.RoundTrip(req)
}
