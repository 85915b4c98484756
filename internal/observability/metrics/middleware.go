package metrics

import (
	"net/http"
	"time"
)

// StatusWriter remembers the status code and body size written through it.
// Unwrap lets http.ResponseController reach the underlying writer for
// flushing and deadlines.
type StatusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

// NewStatusWriter wraps w. The status reads as 200 until WriteHeader is called.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	return &StatusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (sw *StatusWriter) Status() int { return sw.status }

// Written is the number of body bytes accepted by the underlying writer.
func (sw *StatusWriter) Written() int64 { return sw.written }

func (sw *StatusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *StatusWriter) Write(p []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(p)
	sw.written += int64(n)
	return n, err
}

func (sw *StatusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// HTTPMiddleware counts and times every request through next. A nil recorder
// uses Default.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder.inFlight.Inc()
		defer recorder.inFlight.Dec()

		sw := NewStatusWriter(w)
		start := time.Now()
		next.ServeHTTP(sw, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, sw.Status(), time.Since(start))
	})
}
