package proxy

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// requestLogger writes one trace-level access line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			log.Trace().
				Str("type", "access").
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes_out", ww.BytesWritten()).
				Float64("latency_ms", float64(time.Since(start).Nanoseconds())/1e6).
				Msg("incoming_request")
		}()

		next.ServeHTTP(ww, r)
	})
}
