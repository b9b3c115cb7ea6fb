// Package navigation is the one-way command surface the engine uses to move
// the UI between top-level routes on terminal session transitions.
package navigation

import "sync"

// Default route names; deployments may override them via config.
const (
	RouteLogin = "login"
	RouteHome  = "home"
)

// Navigator accepts a "replace the current route" command.
type Navigator interface {
	Replace(route string)
}

// Recorder is a Navigator that records the route history. The daemon uses it
// as the terminal sink; tests assert on it.
type Recorder struct {
	mu     sync.Mutex
	routes []string
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Replace appends route to the history.
func (r *Recorder) Replace(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

// Routes returns a copy of the recorded history.
func (r *Recorder) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.routes))
	copy(out, r.routes)
	return out
}

// Current returns the most recent route, or "" when none was issued.
func (r *Recorder) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.routes) == 0 {
		return ""
	}
	return r.routes[len(r.routes)-1]
}
