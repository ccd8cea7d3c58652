// Package httpapi is the request layer: a JSON REST API for submitting and
// inspecting jobs, a WebSocket progress channel per job, plus health,
// metrics and optional pprof endpoints.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sessionjobs/internal/batch"
	"sessionjobs/internal/job"
	"sessionjobs/internal/metrics"
	"sessionjobs/internal/ops"
	"sessionjobs/internal/progress"
	rtsup "sessionjobs/internal/runtime/supervisor"
	"sessionjobs/internal/storage"
	"sessionjobs/pkg/logx"
)

// Config controls the listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Pprof bool
}

// Deps are the components the handlers operate on. Archive, Metrics and
// Gatherer are optional.
type Deps struct {
	Jobs     *job.Registry
	Exec     *batch.Executor
	Progress *progress.Broadcaster
	Ops      *ops.Registry
	Archive  storage.Store
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

type Server struct {
	log   logx.Logger
	cfg   Config
	deps  Deps
	token atomic.Pointer[string]

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.SetToken(cfg.Token)
	return s
}

// SetToken replaces the bearer token; empty disables auth. Safe during
// hot reload, applies to the next request.
func (s *Server) SetToken(tok string) {
	tok = strings.TrimSpace(tok)
	s.token.Store(&tok)
}

// Addr is the bound address, empty when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Supervisor returns the server's supervisor (nil if not started).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := s.withAuth

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", auth(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}

	mux.HandleFunc("POST /api/jobs", auth(s.handleCreate))
	mux.HandleFunc("GET /api/jobs", auth(s.handleList))
	mux.HandleFunc("GET /api/jobs/{id}", auth(s.handleStatus))
	mux.HandleFunc("POST /api/jobs/{id}/cancel", auth(s.handleCancel))
	mux.HandleFunc("GET /api/stats", auth(s.handleStats))
	mux.HandleFunc("GET /api/operations", auth(s.handleOperations))
	mux.HandleFunc("GET /api/history", auth(s.handleHistory))
	mux.HandleFunc("GET /ws/jobs/{id}", auth(s.handleWS))

	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	}
	return s.accessLog(mux)
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly so the caller can fail startup.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.stopDone != nil {
		return nil
	}
	cur := s.cfg
	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	tok := *s.token.Load()

	// Safety: prevent accidental public exposure without auth.
	if !cur.AllowInsecure && tok == "" && !isLoopbackAddr(addr) {
		return errors.New("http refused to start: non-loopback addr requires token or allow_insecure")
	}
	if cur.AllowInsecure && tok == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	s.ln, s.srv = ln, srv
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	s.sup.Go("http.serve", func(ctx context.Context) error {
		err := srv.Serve(ln)
		if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.sup.Go0("http.shutdown", func(ctx context.Context) {
		<-ctx.Done()
		// Bounded; Stop(ctx) does the real graceful shutdown.
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	})

	s.log.Info("http started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", tok != ""),
		logx.Bool("pprof", cur.Pprof),
	)
	return nil
}

// Stop shuts the server down gracefully within ctx. Open WebSocket
// connections are hijacked and are closed by their handlers once the
// supervisor context ends.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
