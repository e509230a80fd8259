package middleware

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/upsitesolutions/sir/pkg/httputil"
)

// MountProfiler serves chi's profiler (/debug/pprof/*, /debug/vars) to
// clients inside allow. Nothing is mounted when allow is empty.
func MountProfiler(r chi.Router, allow []netip.Prefix, logger *slog.Logger) {
	if len(allow) == 0 {
		return
	}
	r.With(SourceAllowlist(allow, logger)).Mount("/debug", chimw.Profiler())
}

// SourceAllowlist rejects requests whose remote address is outside allow.
// It looks at the socket peer only; forwarding headers are not trusted.
func SourceAllowlist(allow []netip.Prefix, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, ok := remoteAddr(r)
			if ok {
				for _, p := range allow {
					if p.Contains(addr) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			logger.WarnContext(r.Context(), "debug endpoint denied",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("path", r.URL.Path),
			)
			httputil.WriteErrorMessage(w, http.StatusForbidden, "Forbidden")
		})
	}
}

func remoteAddr(r *http.Request) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}
