package router

import (
	"errors"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rentora/apigw/internal/config"
)

// ErrRouteNotFound indicates that no enabled route matches the request.
var ErrRouteNotFound = errors.New("route not found")

// Table resolves (path, method) pairs to routes. The active route set
// is an immutable snapshot behind an atomic pointer: readers never
// lock, and Swap installs a complete new snapshot so concurrent
// requests see either the old table or the new one, never a mix.
type Table struct {
	snapshot atomic.Pointer[tableSnapshot]
}

// tableSnapshot is one immutable generation of the route table.
type tableSnapshot struct {
	// routes is sorted by descending literal-prefix length with exact
	// patterns ahead of wildcards of equal length, so the first match
	// wins resolution.
	routes []*Route
	byID   map[string]*Route
}

// NewTable builds a table from compiled routes.
func NewTable(routes []*Route) *Table {
	t := &Table{}
	t.Swap(routes)
	return t
}

// FromConfig compiles the enabled routes of a configuration into a new
// table.
func FromConfig(cfg *config.Config) (*Table, error) {
	routes, err := CompileAll(cfg.Routes)
	if err != nil {
		return nil, err
	}
	return NewTable(routes), nil
}

// CompileAll compiles the enabled subset of route records.
func CompileAll(records []config.RouteConfig) ([]*Route, error) {
	routes := make([]*Route, 0, len(records))
	for i := range records {
		if !records[i].Enabled {
			continue
		}
		route, err := Compile(&records[i])
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// Swap atomically replaces the active route set.
func (t *Table) Swap(routes []*Route) {
	snap := &tableSnapshot{
		routes: make([]*Route, len(routes)),
		byID:   make(map[string]*Route, len(routes)),
	}
	copy(snap.routes, routes)

	sort.SliceStable(snap.routes, func(i, j int) bool {
		a, b := snap.routes[i], snap.routes[j]
		if a.PrefixLen() != b.PrefixLen() {
			return a.PrefixLen() > b.PrefixLen()
		}
		if a.Wildcard() != b.Wildcard() {
			return !a.Wildcard()
		}
		return a.Path < b.Path
	})

	for _, r := range snap.routes {
		snap.byID[r.ID] = r
	}

	t.snapshot.Store(snap)
}

// Resolve returns the enabled route matching the request path and
// method, or ErrRouteNotFound. Among all matching routes the one with
// the longest literal prefix wins; registration order is irrelevant.
func (t *Table) Resolve(path, method string) (*Route, error) {
	snap := t.snapshot.Load()
	if snap == nil {
		return nil, ErrRouteNotFound
	}

	path = NormalizePath(path)

	for _, route := range snap.routes {
		if !route.MatchesMethod(method) {
			continue
		}
		if route.Matches(path) {
			return route, nil
		}
	}

	return nil, ErrRouteNotFound
}

// Lookup returns a route by its identifier.
func (t *Table) Lookup(id string) (*Route, bool) {
	snap := t.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	route, ok := snap.byID[id]
	return route, ok
}

// Routes returns the active routes in resolution order.
func (t *Table) Routes() []*Route {
	snap := t.snapshot.Load()
	if snap == nil {
		return nil
	}
	out := make([]*Route, len(snap.routes))
	copy(out, snap.routes)
	return out
}

// Len returns the number of active routes.
func (t *Table) Len() int {
	snap := t.snapshot.Load()
	if snap == nil {
		return 0
	}
	return len(snap.routes)
}

// NormalizePath strips a trailing slash (except for the root path) so
// "/api/leases/" and "/api/leases" resolve identically.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return strings.TrimRight(path, "/")
	}
	return path
}
