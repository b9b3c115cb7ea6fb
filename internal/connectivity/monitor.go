// Package connectivity reports device online/offline status. The engine
// treats an inconclusive probe as offline: it is always safer to serve the
// cached profile than to evict a user over a failed check.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"
)

// Monitor reports connectivity on demand and emits edge-triggered change
// events.
type Monitor interface {
	// OnlineNow probes current connectivity. Probe failure reports offline.
	OnlineNow(ctx context.Context) bool
	// OnChange registers fn to be called when connectivity flips. The
	// returned cancel func unregisters it.
	OnChange(fn func(online bool)) (cancel func())
}

// Prober is a Monitor that checks reachability of a TCP endpoint and polls
// it in the background to detect flips.
type Prober struct {
	addr    string
	timeout time.Duration
	period  time.Duration

	mu       sync.Mutex
	last     bool
	seen     bool
	nextID   int
	handlers map[int]func(bool)
}

// NewProber returns a Prober that dials addr (host:port) with the given
// probe timeout and polls every period. Zero values get conservative
// defaults.
func NewProber(addr string, timeout, period time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if period <= 0 {
		period = 15 * time.Second
	}
	return &Prober{
		addr:     addr,
		timeout:  timeout,
		period:   period,
		handlers: make(map[int]func(bool)),
	}
}

// OnlineNow dials the probe address once. Any failure reports offline.
func (p *Prober) OnlineNow(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		p.record(false)
		return false
	}
	_ = conn.Close()
	p.record(true)
	return true
}

// OnChange registers fn for connectivity flips.
func (p *Prober) OnChange(fn func(online bool)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

// Run polls until ctx is cancelled, invoking registered handlers on flips.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.OnlineNow(ctx)
		}
	}
}

func (p *Prober) record(online bool) {
	p.mu.Lock()
	flipped := !p.seen || p.last != online
	p.seen = true
	p.last = online
	var fns []func(bool)
	if flipped {
		for _, fn := range p.handlers {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// Static is a Monitor with a settable state, for tests and forced-offline
// environments.
type Static struct {
	mu       sync.Mutex
	online   bool
	nextID   int
	handlers map[int]func(bool)
}

// NewStatic returns a Static monitor with the given initial state.
func NewStatic(online bool) *Static {
	return &Static{online: online, handlers: make(map[int]func(bool))}
}

// OnlineNow reports the configured state.
func (s *Static) OnlineNow(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// OnChange registers fn for state flips made via SetOnline.
func (s *Static) OnChange(fn func(online bool)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// SetOnline flips the state and notifies handlers on change.
func (s *Static) SetOnline(online bool) {
	s.mu.Lock()
	flipped := s.online != online
	s.online = online
	var fns []func(bool)
	if flipped {
		for _, fn := range s.handlers {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}
