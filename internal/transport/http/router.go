package http

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// CORSConfig lists what browsers may send cross-origin. Empty fields use permissive defaults;
// a listed origin is echoed back only when the request carries it.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// NewRouter wires the HTTP API and the realtime endpoint.
func NewRouter(live *LiveHandler, ws *WSHandler, cors CORSConfig, log logrus.FieldLogger) http.Handler {
	r := mux.NewRouter()
	r.Use(requestLogger(log.WithField("component", "http")))
	r.Use(corsMiddleware(cors))

	r.HandleFunc("/api/live", live.Post).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/live", live.Delete).Methods(http.MethodDelete)
	r.HandleFunc("/api/live", live.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/live/questions/{questionId}", live.Question).Methods(http.MethodGet, http.MethodOptions)

	// Any method: non-upgrade requests get 426 from the handler.
	r.HandleFunc("/api/realtime", ws.ServeWS)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return r
}

func corsMiddleware(cfg CORSConfig) mux.MiddlewareFunc {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}
	methods := joinOr(cfg.AllowedMethods, "GET, POST, DELETE, OPTIONS")
	headers := joinOr(cfg.AllowedHeaders, "Content-Type")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch origin := r.Header.Get("Origin"); {
			case len(allowed) == 0 || allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func joinOr(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	return strings.Join(values, ", ")
}

func requestLogger(log logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
			}).Debug("request")
		})
	}
}

// statusRecorder captures the response status. It forwards Hijack so websocket upgrades
// still work behind the logger.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
