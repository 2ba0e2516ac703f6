package fake

import (
	"sync"

	console "github.com/chimerakang/admin-console-go"
)

// Navigator records navigation requests.
type Navigator struct {
	mu     sync.Mutex
	routes []string
}

// compile-time check
var _ console.Navigator = (*Navigator)(nil)

func (n *Navigator) Navigate(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, route)
}

// Routes returns every route navigated to, oldest first.
func (n *Navigator) Routes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

// Last returns the most recent route, or "".
func (n *Navigator) Last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.routes) == 0 {
		return ""
	}
	return n.routes[len(n.routes)-1]
}

// Count returns how many times route was navigated to.
func (n *Navigator) Count(route string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, r := range n.routes {
		if r == route {
			c++
		}
	}
	return c
}

// Reset forgets recorded routes.
func (n *Navigator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = nil
}

// Notifier records user-visible notices.
type Notifier struct {
	mu        sync.Mutex
	successes []string
	errors    []string
}

// compile-time check
var _ console.Notifier = (*Notifier)(nil)

func (n *Notifier) Success(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, msg)
}

func (n *Notifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}

// Successes returns recorded success notices.
func (n *Notifier) Successes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.successes...)
}

// Errors returns recorded error notices.
func (n *Notifier) Errors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.errors...)
}
