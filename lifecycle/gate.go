package lifecycle

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/ggoodman/livegate/apierr"
)

// Gate stops admitting requests once closed.
type Gate struct {
	closed atomic.Bool
}

func NewGate() *Gate { return &Gate{} }

func (g *Gate) Close() { g.closed.Store(true) }

func (g *Gate) Closed() bool { return g.closed.Load() }

var unavailable = apierr.New(http.StatusServiceUnavailable, "Service unavailable").WithCode(apierr.CodeServiceUnavailable)

// Middleware answers 503 once the gate is closed. Paths starting with one
// of exempt are always let through.
func (g *Gate) Middleware(exempt ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.Closed() && !hasPrefix(r.URL.Path, exempt) {
				w.Header().Set("Connection", "close")
				apierr.Write(w, apierr.Classify(unavailable))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
