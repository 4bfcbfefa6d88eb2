package router

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
)

// MethodAll registers a route for every method; it is consulted after the
// exact-method tree during matching.
const MethodAll = "ALL"

// standardMethods lists the HTTP methods a route may be registered under.
var standardMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
	http.MethodPatch, http.MethodHead, http.MethodOptions, http.MethodConnect,
}

// Route represents a registered route.
type Route struct {
	Method     string
	Pattern    string
	Handler    http.Handler
	Middleware []middleware.Middleware // route-scoped, innermost last

	// Cacheable overrides the safe-method cache policy for this route.
	// nil = default (GET/HEAD cached), true/false = forced.
	Cacheable *bool
}

// Params holds captured path parameters.
type Params map[string]string

// node is one trie level. Each node has at most one parameter child and at
// most one wildcard child; wildcards are terminal.
type node struct {
	staticChildren map[string]*node
	paramChild     *node
	wildChild      *node
	paramName      string
	wildName       string
	route          *Route
}

func newNode() *node {
	return &node{}
}

func (n *node) child(seg string) *node {
	if n.staticChildren == nil {
		return nil
	}
	return n.staticChildren[seg]
}

// Trie is the routing table: one segment trie per HTTP method plus an ALL
// fallback tree. Matching is safe for concurrent readers; registration takes
// exclusive access.
type Trie struct {
	mu    sync.RWMutex
	roots map[string]*node

	lookups       atomic.Uint64
	failedLookups atomic.Uint64

	routes []*Route // registration order, duplicates replaced in place
}

// New creates an empty routing trie.
func New() *Trie {
	return &Trie{
		roots: make(map[string]*node),
	}
}

// splitPattern splits a path into segments, ignoring leading/trailing slashes.
func splitPattern(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Register adds a route. Re-registering the same (method, pattern) replaces the
// previous route. Method ALL registers on the fallback tree.
func (t *Trie) Register(route *Route) {
	method := strings.ToUpper(route.Method)
	route.Method = method

	t.mu.Lock()
	defer t.mu.Unlock()

	root, ok := t.roots[method]
	if !ok {
		root = newNode()
		t.roots[method] = root
	}

	n := root
	for _, seg := range splitPattern(route.Pattern) {
		switch {
		case strings.HasPrefix(seg, ":"):
			if n.paramChild == nil {
				n.paramChild = newNode()
			}
			n.paramChild.paramName = seg[1:]
			n = n.paramChild

		case strings.HasPrefix(seg, "*"):
			if n.wildChild == nil {
				n.wildChild = newNode()
			}
			n.wildChild.wildName = seg[1:]
			n = n.wildChild
			// Wildcard is terminal: anything after it in the pattern is ignored.
			n.setRoute(route, t)
			return

		default:
			if n.staticChildren == nil {
				n.staticChildren = make(map[string]*node)
			}
			child := n.staticChildren[seg]
			if child == nil {
				child = newNode()
				n.staticChildren[seg] = child
			}
			n = child
		}
	}
	n.setRoute(route, t)
}

func (n *node) setRoute(route *Route, t *Trie) {
	if n.route != nil {
		// Duplicate (method, pattern): replace in the ordered slice too.
		for i, r := range t.routes {
			if r == n.route {
				t.routes[i] = route
				n.route = route
				return
			}
		}
	}
	n.route = route
	t.routes = append(t.routes, route)
}

// Match finds a route for the method and path. Static children win over the
// parameter child, which wins over the wildcard child; a failed parameter
// descent backtracks to the wildcard. The returned params hold parameter and
// wildcard captures.
func (t *Trie) Match(method, path string) (*Route, Params) {
	t.lookups.Add(1)

	t.mu.RLock()
	defer t.mu.RUnlock()

	segments := splitPattern(path)

	if root, ok := t.roots[strings.ToUpper(method)]; ok {
		if route, params := matchNode(root, segments); route != nil {
			return route, params
		}
	}
	if root, ok := t.roots[MethodAll]; ok {
		if route, params := matchNode(root, segments); route != nil {
			return route, params
		}
	}

	t.failedLookups.Add(1)
	return nil, nil
}

func matchNode(n *node, segments []string) (*Route, Params) {
	if len(segments) == 0 {
		if n.route != nil {
			return n.route, Params{}
		}
		// Wildcard may match the empty remainder.
		if n.wildChild != nil && n.wildChild.route != nil {
			return n.wildChild.route, Params{n.wildChild.wildName: ""}
		}
		return nil, nil
	}

	seg, rest := segments[0], segments[1:]

	if child := n.child(seg); child != nil {
		if route, params := matchNode(child, rest); route != nil {
			return route, params
		}
	}

	if n.paramChild != nil {
		if route, params := matchNode(n.paramChild, rest); route != nil {
			params[n.paramChild.paramName] = seg
			return route, params
		}
	}

	if n.wildChild != nil && n.wildChild.route != nil {
		return n.wildChild.route, Params{n.wildChild.wildName: strings.Join(segments, "/")}
	}

	return nil, nil
}

// MethodsForPath returns the sorted set of methods with a route matching path,
// used to answer bare OPTIONS requests.
func (t *Trie) MethodsForPath(path string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	segments := splitPattern(path)
	var methods []string
	for _, m := range standardMethods {
		if root, ok := t.roots[m]; ok {
			if route, _ := matchNode(root, segments); route != nil {
				methods = append(methods, m)
			}
		}
	}
	if root, ok := t.roots[MethodAll]; ok {
		if route, _ := matchNode(root, segments); route != nil {
			for _, m := range standardMethods {
				if !contains(methods, m) {
					methods = append(methods, m)
				}
			}
		}
	}
	sort.Strings(methods)
	return methods
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Routes returns a snapshot of all registered routes in registration order.
func (t *Trie) Routes() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Stats returns total and failed lookup counters.
func (t *Trie) Stats() (lookups, failed uint64) {
	return t.lookups.Load(), t.failedLookups.Load()
}
