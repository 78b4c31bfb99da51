package portal

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// Pool shares one connection pool across jobs while giving each job its own
// cookie jar and token. At most one Client per job id is checked out.
type Pool struct {
	transport *http.Transport

	mu  sync.Mutex
	out map[int64]*Client
}

func NewPool() *Pool {
	return &Pool{
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   15 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		out: map[int64]*Client{},
	}
}

// Checkout returns a new Client for jobID, or ErrCheckedOut if that job
// already holds one.
func (p *Pool) Checkout(jobID int64, cfg Config) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.out[jobID]; ok {
		return nil, ErrCheckedOut
	}
	c, err := New(cfg, p.transport)
	if err != nil {
		return nil, err
	}
	p.out[jobID] = c
	return c, nil
}

// Release returns jobID's Client. Releasing an unknown id is a no-op.
func (p *Pool) Release(jobID int64) {
	p.mu.Lock()
	delete(p.out, jobID)
	p.mu.Unlock()
}

// Active is the number of checked-out clients.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.out)
}

// Close drops idle connections.
func (p *Pool) Close() {
	p.transport.CloseIdleConnections()
}
