package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	"github.com/amirimatin/go-peerwatch/pkg/observability/tracing"
	statemembership "github.com/amirimatin/go-peerwatch/pkg/state/membership"
	"github.com/amirimatin/go-peerwatch/pkg/transport"
)

// Server is a minimal HTTP server exposing the management endpoints: status,
// snapshot, refresh, the event stream, metrics and healthz.
type Server struct {
	bind   string
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
	tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *zap.Logger) *Server {
	return &Server{bind: bind, logger: logutil.OrNop(logger).Named("httpjson")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the management mux without starting a listener.
func (s *Server) Handler(h transport.Handlers) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Status == nil {
			http.Error(w, "status not supported", http.StatusNotImplemented)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.status")
		data, err := h.Status(ctx)
		end(err)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Snapshot == nil {
			http.Error(w, "snapshot not supported", http.StatusNotImplemented)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.snapshot")
		snap, err := h.Snapshot(ctx)
		end(err)
		if err != nil {
			writeError(w, err)
			return
		}
		etag := statemembership.ETag(snap)
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		data, err := statemembership.Encode(snap)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Refresh == nil {
			http.Error(w, "refresh not supported", http.StatusNotImplemented)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.refresh")
		err := h.Refresh(ctx)
		end(err)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Subscribe == nil {
			http.Error(w, "events not supported", http.StatusNotImplemented)
			return
		}
		s.streamEvents(w, r, h.Subscribe)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Health != nil {
			if err := h.Health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// streamEvents writes newline-delimited StreamMessage frames: the snapshot
// first, then one frame per event, flushing after each.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, subscribe transport.SubscribeFunc) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	feed, err := subscribe(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	defer feed.Close()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	snap := feed.Snapshot()
	if err := enc.Encode(transport.StreamMessage{Snapshot: &snap}); err != nil {
		return
	}
	flusher.Flush()
	for ev := range feed.Events() {
		ev := ev
		if err := enc.Encode(transport.StreamMessage{Event: &ev}); err != nil {
			s.logger.Debug("event stream closed by client", zap.Error(err))
			return
		}
		flusher.Flush()
	}
	if err := feed.Err(); err != nil {
		_ = enc.Encode(transport.StreamMessage{Error: err.Error()})
		flusher.Flush()
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, transport.ErrUnsupported):
		code = http.StatusNotImplemented
	case errors.Is(err, transport.ErrUnavailable):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

// Start launches the HTTP server and registers handlers backed by the provided
// functions. The server is shut down when the context is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	s.srv = &http.Server{Addr: s.bind, Handler: s.Handler(h), ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.ln = ln
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}

	srv := s.srv
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout. Open event streams
// end when their subscriptions are closed.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	srv := s.srv
	s.srv = nil
	if err := srv.Shutdown(c); err != nil {
		return errors.Join(err, srv.Close())
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
