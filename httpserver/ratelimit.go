package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tollbooth "github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth/v6/limiter"
)

// limiterTTL is how long an idle client's token bucket is kept.
const limiterTTL = time.Hour

// NewRateLimiter limits requests per second per client IP. It returns nil
// when rps is not positive.
func NewRateLimiter(rps float64) *limiter.Limiter {
	if rps <= 0 {
		return nil
	}
	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{
		DefaultExpirationTTL: limiterTTL,
	})
	lmt.SetIPLookups([]string{"X-Forwarded-For", "X-Real-IP", "RemoteAddr"})
	lmt.SetMessageContentType("application/json")
	lmt.SetMessage(`{"status":"error","error":"rate limit exceeded"}`)
	return lmt
}

// RateLimit rejects requests over the limit with 429. A nil limiter passes
// everything through.
func RateLimit(lmt *limiter.Limiter, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if lmt == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, keys := range tollbooth.BuildKeys(lmt, r) {
				if httpError := tollbooth.LimitByKeys(lmt, keys); httpError != nil {
					log.Warn("Rate limit exceeded", "remoteAddr", r.RemoteAddr, "path", r.URL.Path)
					w.Header().Add("X-Rate-Limit-Limit", fmt.Sprintf("%.2f", lmt.GetMax()))
					w.Header().Add("X-Rate-Limit-Duration", "1")
					w.Header().Set("Content-Type", lmt.GetMessageContentType())
					w.WriteHeader(httpError.StatusCode)
					_, _ = w.Write([]byte(httpError.Message))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
