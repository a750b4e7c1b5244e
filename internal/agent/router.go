// ABOUTME: Round-robin selection of a single agent for work that names none
// ABOUTME: Used for chat messages that are not scoped to a running request

package agent

import (
	"errors"
	"sync/atomic"
)

// ErrNoAgentsAvailable indicates no agents are available to handle a request.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Router selects agents using a round-robin strategy.
type Router struct {
	current uint64
}

// NewRouter creates a new Router instance.
func NewRouter() *Router {
	return &Router{}
}

// SelectAgent picks an agent from the available pool using round-robin selection.
// Returns ErrNoAgentsAvailable if no agents are provided.
func (r *Router) SelectAgent(agents []Info) (Info, error) {
	if len(agents) == 0 {
		return Info{}, ErrNoAgentsAvailable
	}

	idx := atomic.AddUint64(&r.current, 1) - 1
	return agents[idx%uint64(len(agents))], nil
}
