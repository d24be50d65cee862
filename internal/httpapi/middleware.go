package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/fattiesbombom/breathr/internal/metrics"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

// statusRecorder remembers the status code and body size written through it.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.written {
		return
	}
	w.status = code
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// recoverer turns a handler panic into a JSON 500.
func recoverer(log logx.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			log.Error("panic recovered",
				logx.String("request_id", RequestIDFromContext(r.Context())),
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Any("panic", v),
				logx.String("stack", string(debug.Stack())),
			)
			if !rec.written {
				writeError(rec, log, http.StatusInternalServerError, "Internal server error", fmt.Sprint(v))
			}
		}()
		next.ServeHTTP(rec, r)
	})
}

// instrument logs each request and records Prometheus counters. route is
// resolved per request so unknown paths do not explode label cardinality.
func instrument(log logx.Logger, route func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		took := time.Since(start)

		name := route(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, name, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, name).Observe(took.Seconds())

		fields := []logx.Field{
			logx.String("request_id", RequestIDFromContext(r.Context())),
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.String("remote_addr", r.RemoteAddr),
			logx.Int("status", rec.status),
			logx.Int("bytes", rec.bytes),
			logx.Duration("took", took),
		}
		if rec.status >= http.StatusInternalServerError {
			log.Warn("request completed", fields...)
			return
		}
		log.Info("request completed", fields...)
	})
}
