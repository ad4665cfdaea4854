package pipeline

// Route is spec §3's (method, path-pattern) mapping to either an
// internal handler subject on the bus or a streaming producer,
// classified public or protected. No route silently downgrades from
// protected to public — IsPublic errs on the side of protected for
// anything not explicitly listed public.
type Route struct {
	Method  string
	Path    string
	Subject string // bus subject, empty for streaming-only routes
	Stream  bool
}

// RouteTable tracks which (method, path) pairs are public, per spec
// §3's explicit list: /health, /docs, /openapi.json, /handshake.
type RouteTable struct {
	public map[string]bool
}

// NewRouteTable builds a table with the spec's default public routes
// pre-registered, matching internal/app/httpapi/auth.go's publicPaths
// allowlist approach.
func NewRouteTable() *RouteTable {
	rt := &RouteTable{public: make(map[string]bool)}
	for _, p := range []string{"/health", "/docs", "/openapi.json", "/handshake"} {
		rt.public[key("*", p)] = true
	}
	return rt
}

// MarkPublic registers an additional public route. Call sparingly: the
// default set above already covers the spec's mandated public surface.
func (rt *RouteTable) MarkPublic(method, path string) {
	rt.public[key(method, path)] = true
}

// IsPublic reports whether (method, path) is public. An unknown route
// defaults to protected — the safe side of the invariant.
func (rt *RouteTable) IsPublic(method, path string) bool {
	if rt.public[key("*", path)] {
		return true
	}
	return rt.public[key(method, path)]
}

func key(method, path string) string { return method + " " + path }
