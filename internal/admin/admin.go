// Package admin exposes the operator HTTP API: creating, inspecting and
// cancelling scheduled items, plus a health endpoint.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"postwell/internal/clock"
	"postwell/internal/engine"
	"postwell/internal/eventbus"
	"postwell/internal/generate"
	"postwell/internal/queue"
	rtsup "postwell/internal/runtime/supervisor"
	"postwell/pkg/logx"
)

// Config controls the admin HTTP server.
//
// Binding to a non-loopback address without a token is refused unless
// AllowInsecure is set.
type Config struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  time.Duration `json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty"`
	IdleTimeout  time.Duration `json:"idle_timeout,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store queue.Store
	gen   *generate.Client
	eng   *engine.Engine
	bus   eventbus.Bus
	clk   clock.Clock

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, store queue.Store, gen *generate.Client, eng *engine.Engine, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, gen: gen, eng: eng, bus: bus, clk: clk, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listen address, or "" before Start.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8085"
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("admin api refused to start: non-loopback addr requires token or allow_insecure")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.routes(cfg.Token),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "admin"))),
		rtsup.WithCancelOnError(false),
	)
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.sup = sup
	s.mu.Unlock()

	sup.Go0("http.shutdown_on_cancel", func(c context.Context) {
		<-c.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	})
	sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) || c.Err() != nil {
			return nil
		}
		return err
	})

	s.log.Info("admin api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	ln := s.ln
	sup := s.sup
	s.srv = nil
	s.ln = nil
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (s *Service) withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
