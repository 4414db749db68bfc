package httpapi

import (
	"log"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"explorermaps.dev/internal/protocol"
)

// rateLimit limits requests per client IP. Limiter failures let the
// request through.
func rateLimit(limit int, window time.Duration, proxies proxyTrust, logger *log.Logger) func(http.Handler) http.Handler {
	instance := limiter.New(memory.NewStore(), limiter.Rate{Period: window, Limit: int64(limit)})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lctx, err := instance.Get(r.Context(), proxies.clientIP(r))
			if err != nil {
				if logger != nil {
					logger.Printf("warn: rate limiter err=%v", err)
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

			if lctx.Reached {
				retryAfter := int(time.Until(time.Unix(lctx.Reset, 0)).Seconds())
				if retryAfter < 0 {
					retryAfter = 0
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "", protocol.ErrRateLimit, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// proxyTrust lists the reverse proxies whose forwarding headers are believed.
// Empty means the socket peer is the client.
type proxyTrust []netip.Prefix

func parseTrustedProxies(list []string, logger *log.Logger) proxyTrust {
	var out proxyTrust
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(raw); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
			continue
		}
		if logger != nil {
			logger.Printf("warn: ignore trusted proxy %q", raw)
		}
	}
	return out
}

func (t proxyTrust) trusts(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range t {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// clientIP returns the socket peer unless it is a trusted proxy. Behind one,
// X-Forwarded-For is walked from the right past trusted hops; X-Real-IP is
// the fallback.
func (t proxyTrust) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = h
	}
	if !t.trusts(peer) {
		return peer
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if i == 0 || !t.trusts(hop) {
				return hop
			}
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	return peer
}
