// logging.go — журнал HTTP API сопровождения через slog.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// serviceRoutes — маршруты Kubernetes и Prometheus, опрашиваемые постоянно.
var serviceRoutes = map[string]struct{}{
	"/health/live":  {},
	"/health/ready": {},
	"/metrics":      {},
}

// RequestLogger пишет запись на каждый запрос к API с request_id
// (chi RequestID) и арендатором. Служебные маршруты пишутся на DEBUG,
// остальные: 5xx — ERROR, 4xx — WARN, прочие — INFO.
func RequestLogger(logger *slog.Logger, tenant string) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"), slog.String("tenant", tenant))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := routePattern(r)
			status := responseStatus(ww)
			attrs := []slog.Attr{
				slog.String("request_id", chimw.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.Int("bytes", ww.BytesWritten()),
			}
			if r.URL.RawQuery != "" {
				attrs = append(attrs, slog.String("query", r.URL.RawQuery))
			}
			logger.LogAttrs(r.Context(), accessLevel(route, status), "HTTP запрос", attrs...)
		})
	}
}

func accessLevel(route string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	}
	if _, ok := serviceRoutes[route]; ok {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// responseStatus — статус ответа; обработчик без WriteHeader отвечает 200.
func responseStatus(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
