package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/config"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/fairness"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/round"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/wallet"
)

// Engine is the part of round.Engine the transport drives.
type Engine interface {
	PlaceBet(ctx context.Context, owner round.Owner, amount decimal.Decimal, autoCashout *float64) (round.Bet, error)
	CashOut(ctx context.Context, roundID, betID string, owner round.Owner) (round.Outcome, error)
	Snapshot(ctx context.Context) (round.Snapshot, error)
}

type Server struct {
	cfg      *config.Config
	engine   Engine
	hub      *Hub
	balances wallet.Balancer
	fairness fairness.Params
	log      *zap.Logger
}

// New wires the transport. balances answers the balance message and may be
// nil when the wallet cannot report one.
func New(cfg *config.Config, engine Engine, hub *Hub, balances wallet.Balancer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		engine:   engine,
		hub:      hub,
		balances: balances,
		fairness: cfg.Round().Fairness,
		log:      log,
	}
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           60 * 15,
	}))

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/ws", s.handleWS)
	r.Route("/crash", func(rr chi.Router) {
		rr.Get("/state", s.crashState)
		rr.Get("/verify", s.crashVerify)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully. Websocket clients
// are disconnected and Run returns only after their handlers have finished.
func (s *Server) Run(ctx context.Context) error {
	port := s.cfg.Port
	if port <= 0 {
		port = 8081
	}
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("crash server listening", zap.String("addr", srv.Addr), zap.String("wallet", s.cfg.WalletBackend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return s.waitHandlers(shutdownCtx)
}

// waitHandlers waits for hijacked websocket handlers, which Shutdown does not track.
func (s *Server) waitHandlers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.hub.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for websocket handlers: %w", ctx.Err())
	}
}

// requestLogger logs method, path, status and duration for each request (no body or secrets).
func (s *Server) requestLogger(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "crash"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	snap := s.hub.Metrics().Snapshot()
	status := http.StatusOK
	if snap.HealthStatus == "critical" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

// originPatterns turns CORS origins into the host patterns websocket.Accept
// expects.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, strings.TrimSuffix(o, "/"))
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
