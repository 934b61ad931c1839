package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rentora/apigw/internal/config"
)

// corsPolicy is the precomputed form of a CORS configuration: origin
// matching structures plus the joined header values, built once at
// startup instead of per request.
type corsPolicy struct {
	exactOrigins     map[string]bool
	wildcardSuffixes []string
	allowAll         bool

	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	maxAge           string
	allowCredentials bool
}

func newCORSPolicy(cfg *config.CORSConfig) *corsPolicy {
	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := cfg.AllowMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	}
	headers := cfg.AllowHeaders
	if len(headers) == 0 {
		headers = []string{"Origin", "Content-Type", "Accept", "Authorization", HeaderRequestID}
	}

	p := &corsPolicy{
		exactOrigins:     make(map[string]bool),
		allowMethods:     strings.Join(methods, ", "),
		allowHeaders:     strings.Join(headers, ", "),
		exposeHeaders:    strings.Join(cfg.ExposeHeaders, ", "),
		maxAge:           strconv.Itoa(cfg.MaxAge),
		allowCredentials: cfg.AllowCredentials,
	}

	for _, origin := range origins {
		switch {
		case origin == "*":
			p.allowAll = true
		case strings.HasPrefix(origin, "*."):
			// "*.rentora.io" keeps the ".rentora.io" suffix.
			p.wildcardSuffixes = append(p.wildcardSuffixes, origin[1:])
		default:
			p.exactOrigins[origin] = true
		}
	}

	return p
}

func (p *corsPolicy) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	if p.allowAll || p.exactOrigins[origin] {
		return true
	}

	host := origin
	if i := strings.Index(host, "://"); i != -1 {
		host = host[i+3:]
	}
	if i := strings.Index(host, ":"); i != -1 {
		host = host[:i]
	}

	for _, suffix := range p.wildcardSuffixes {
		// At least one label must precede the suffix, so the bare apex
		// does not match its own wildcard.
		if len(host) > len(suffix) && strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

func (p *corsPolicy) apply(w http.ResponseWriter, origin string) {
	if p.originAllowed(origin) {
		// Echo the specific origin; credentialed requests forbid "*".
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}

	w.Header().Set("Access-Control-Allow-Methods", p.allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", p.allowHeaders)
	if p.exposeHeaders != "" {
		w.Header().Set("Access-Control-Expose-Headers", p.exposeHeaders)
	}
	if p.allowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if p.maxAge != "0" {
		w.Header().Set("Access-Control-Max-Age", p.maxAge)
	}
}

// CORS answers preflight requests and stamps cross-origin headers from
// the server configuration. A nil configuration disables the
// middleware.
func CORS(cfg *config.CORSConfig) Func {
	if cfg == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy.apply(w, r.Header.Get("Origin"))

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
