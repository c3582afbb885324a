package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatd/internal/live"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	// Subscribe registers the viewer on a topic's live feed. The returned
	// subscription ends when ctx is done.
	Subscribe(ctx context.Context, topic live.Topic, viewer uuid.UUID) (*live.Subscription, error)
	// Ready reports whether the change feed is connected.
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsAllowedOrigins,
			AllowedMethods:   corsAllowedMethods,
			AllowedHeaders:   corsAllowedHeaders,
			AllowCredentials: true,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/servers/{serverID}/channels/{channelID}/messages/events", func(w http.ResponseWriter, r *http.Request) {
		serveEventStream(svc, w, r)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("feed disconnected"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// serveEventStream registers the viewer on the requested topic and streams
// rendered events until the viewer disconnects or the server shuts down. A
// registration failure is an explicit 503, never a silently empty stream.
func serveEventStream(svc Service, w http.ResponseWriter, r *http.Request) {
	serverID, err := uuid.Parse(chi.URLParam(r, "serverID"))
	if err != nil {
		streamFailuresTotal.WithLabelValues("bad_server_id").Inc()
		writeJSONError(w, http.StatusBadRequest, "invalid server id")
		return
	}
	channelID, err := uuid.Parse(chi.URLParam(r, "channelID"))
	if err != nil {
		streamFailuresTotal.WithLabelValues("bad_channel_id").Inc()
		writeJSONError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	// The session layer in front of this service resolves authentication
	// and passes the viewer identity through.
	viewer, err := uuid.Parse(r.Header.Get("X-User-Id"))
	if err != nil {
		streamFailuresTotal.WithLabelValues("no_viewer").Inc()
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid viewer identity")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		streamFailuresTotal.WithLabelValues("no_flush").Inc()
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Join server base context with request context so shutdown ends streams too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	sub, err := svc.Subscribe(ctx, live.Topic{ServerID: serverID, ChannelID: channelID}, viewer)
	if err != nil {
		if ctx.Err() != nil {
			// The viewer left mid-registration; nobody is reading the response.
			return
		}
		streamFailuresTotal.WithLabelValues("registration").Inc()
		writeJSONError(w, http.StatusServiceUnavailable, "live updates unavailable")
		logRequestError(r, err, "live registration failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	openEventStreams.Inc()
	defer openEventStreams.Dec()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// The engine dropped this subscriber (stalled or superseded).
				// Ending the response lets the client reconnect for a fresh feed.
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			// Keep-alive framing so idle streams survive proxies.
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
