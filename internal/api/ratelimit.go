package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/connecthub/connecthub/internal/ratelimit"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleAge       = 10 * time.Minute
)

// tooManyRequests writes a 429 with a Retry-After rounded up to whole seconds.
func tooManyRequests(w http.ResponseWriter, wait time.Duration, message string) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, message)
}

// limitByIP throttles unauthenticated endpoints. RemoteAddr already holds the
// client IP once chi's RealIP ran.
func limitByIP(l *ratelimit.Keyed) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if ok, wait := l.Allow(ip); !ok {
				tooManyRequests(w, wait, "too many attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limitByUser throttles authenticated endpoints per user ID. It must run
// after authMiddleware.
func limitByUser(l *ratelimit.Keyed) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if identity := identityFrom(r.Context()); identity != nil {
				if ok, wait := l.Allow(identity.UserID); !ok {
					tooManyRequests(w, wait, "rate limit exceeded")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
