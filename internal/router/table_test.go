package router

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentora/apigw/internal/config"
)

func mustCompile(t *testing.T, path, method string) *Route {
	t.Helper()
	route, err := Compile(testRouteConfig(path, method))
	require.NoError(t, err)
	return route
}

func TestTable_Resolve(t *testing.T) {
	t.Parallel()

	table := NewTable([]*Route{
		mustCompile(t, "/api/properties", "GET"),
		mustCompile(t, "/api/properties/*", "GET"),
		mustCompile(t, "/api/properties/search", "GET"),
		mustCompile(t, "/api/leases", "POST"),
		mustCompile(t, "/*", "GET"),
	})

	tests := []struct {
		name     string
		path     string
		method   string
		expected string
		err      error
	}{
		{
			name:     "exact beats wildcard on same path",
			path:     "/api/properties",
			method:   "GET",
			expected: "/api/properties",
		},
		{
			name:     "longer literal wins",
			path:     "/api/properties/search",
			method:   "GET",
			expected: "/api/properties/search",
		},
		{
			name:     "wildcard catches sub paths",
			path:     "/api/properties/42",
			method:   "GET",
			expected: "/api/properties/*",
		},
		{
			name:     "fallback wildcard",
			path:     "/api/tenants",
			method:   "GET",
			expected: "/*",
		},
		{
			name:     "method mismatch falls through",
			path:     "/api/leases",
			method:   "GET",
			expected: "/*",
		},
		{
			name:     "post route",
			path:     "/api/leases",
			method:   "POST",
			expected: "/api/leases",
		},
		{
			name:   "no route for method",
			path:   "/api/leases",
			method: "DELETE",
			err:    ErrRouteNotFound,
		},
		{
			name:     "trailing slash normalized",
			path:     "/api/properties/",
			method:   "GET",
			expected: "/api/properties",
		},
		{
			name:     "head served by get route",
			path:     "/api/properties",
			method:   "HEAD",
			expected: "/api/properties",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			route, err := table.Resolve(tt.path, tt.method)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, route.Path)
		})
	}
}

func TestTable_Resolve_OrderIndependent(t *testing.T) {
	t.Parallel()

	patterns := []string{
		"/api/*",
		"/api/properties/*",
		"/api/properties/featured",
		"/api/leases/*",
		"/*",
	}

	queries := map[string]string{
		"/api/properties/featured": "/api/properties/featured",
		"/api/properties/42":       "/api/properties/*",
		"/api/leases/7/invoices":   "/api/leases/*",
		"/api/tenants":             "/api/*",
		"/healthcheck":             "/*",
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := make([]string, len(patterns))
		copy(shuffled, patterns)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		routes := make([]*Route, 0, len(shuffled))
		for _, p := range shuffled {
			routes = append(routes, mustCompile(t, p, "GET"))
		}
		table := NewTable(routes)

		for path, want := range queries {
			route, err := table.Resolve(path, "GET")
			require.NoError(t, err, "path %s order %v", path, shuffled)
			assert.Equal(t, want, route.Path, "path %s order %v", path, shuffled)
		}
	}
}

func TestTable_Resolve_Empty(t *testing.T) {
	t.Parallel()

	table := NewTable(nil)
	_, err := table.Resolve("/api/properties", "GET")
	assert.ErrorIs(t, err, ErrRouteNotFound)
}

func TestTable_Swap(t *testing.T) {
	t.Parallel()

	table := NewTable([]*Route{mustCompile(t, "/api/properties", "GET")})

	_, err := table.Resolve("/api/properties", "GET")
	require.NoError(t, err)

	table.Swap([]*Route{mustCompile(t, "/api/leases", "GET")})

	_, err = table.Resolve("/api/properties", "GET")
	assert.ErrorIs(t, err, ErrRouteNotFound)
	_, err = table.Resolve("/api/leases", "GET")
	assert.NoError(t, err)
}

func TestTable_Swap_Concurrent(t *testing.T) {
	t.Parallel()

	table := NewTable([]*Route{mustCompile(t, "/api/properties/*", "GET")})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			table.Swap([]*Route{
				mustCompile(t, "/api/properties/*", "GET"),
				mustCompile(t, fmt.Sprintf("/api/gen%d", i), "GET"),
			})
		}
		close(stop)
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				route, err := table.Resolve("/api/properties/42", "GET")
				if assert.NoError(t, err) {
					assert.Equal(t, "/api/properties/*", route.Path)
				}
			}
		}()
	}

	wg.Wait()
}

func TestCompileAll_SkipsDisabled(t *testing.T) {
	t.Parallel()

	enabled := testRouteConfig("/api/properties", "GET")
	disabled := testRouteConfig("/api/leases", "GET")
	disabled.Enabled = false

	routes, err := CompileAll([]config.RouteConfig{*enabled, *disabled})
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "/api/properties", routes[0].Path)
}

func TestCompileAll_Error(t *testing.T) {
	t.Parallel()

	bad := testRouteConfig("/api/leases", "GET")
	bad.UpstreamURL = "http://bad host/"

	_, err := CompileAll([]config.RouteConfig{*bad})
	require.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Routes: []config.RouteConfig{
			*testRouteConfig("/api/properties/*", "GET"),
			*testRouteConfig("/api/leases", "POST"),
		},
	}

	table, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	route, err := table.Resolve("/api/properties/42", "GET")
	require.NoError(t, err)
	assert.Equal(t, "/api/properties/*", route.Path)
}

func TestTable_Lookup(t *testing.T) {
	t.Parallel()

	rc := testRouteConfig("/api/properties", "GET")
	rc.ID = "list-properties"
	route, err := Compile(rc)
	require.NoError(t, err)

	table := NewTable([]*Route{route})

	found, ok := table.Lookup("list-properties")
	require.True(t, ok)
	assert.Equal(t, "/api/properties", found.Path)

	_, ok = table.Lookup("missing")
	assert.False(t, ok)
}

func TestTable_Routes_SortedByPriority(t *testing.T) {
	t.Parallel()

	table := NewTable([]*Route{
		mustCompile(t, "/*", "GET"),
		mustCompile(t, "/api/properties/*", "GET"),
		mustCompile(t, "/api/properties", "GET"),
	})

	routes := table.Routes()
	require.Len(t, routes, 3)
	assert.Equal(t, "/api/properties", routes[0].Path)
	assert.Equal(t, "/api/properties/*", routes[1].Path)
	assert.Equal(t, "/*", routes[2].Path)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{name: "empty becomes root", path: "", expected: "/"},
		{name: "root unchanged", path: "/", expected: "/"},
		{name: "trailing slash stripped", path: "/api/leases/", expected: "/api/leases"},
		{name: "repeated trailing slashes stripped", path: "/api/leases///", expected: "/api/leases"},
		{name: "plain path unchanged", path: "/api/leases", expected: "/api/leases"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, NormalizePath(tt.path))
		})
	}
}
