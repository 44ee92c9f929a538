// Package pprof runs the optional profiling listener. It is separate from the
// public API so it can stay on loopback while the API is exposed.
package pprof

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	logx "postbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

type Config struct {
	Enabled bool
	Addr    string
	// Token, when set, is required as a bearer token on every route.
	Token                string
	BlockProfileRate     int
	MutexProfileFraction int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	return c
}

type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	done chan struct{}
	cfg  Config
	addr string
}

func New(log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log}
}

// Apply starts, stops or rebinds the listener to match cfg. Profile rates are
// applied even when the listener is off.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !cfg.Enabled {
		return s.stopLocked(ctx)
	}
	if s.srv != nil && s.cfg.Addr == cfg.Addr && s.cfg.Token == cfg.Token {
		s.cfg = cfg
		return nil
	}
	if err := s.stopLocked(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           routes(cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("pprof server error", logx.Err(err))
		}
	}()
	s.srv, s.done, s.cfg, s.addr = srv, done, cfg, ln.Addr().String()
	s.log.Info("pprof enabled", logx.String("addr", s.addr), logx.Bool("token", cfg.Token != ""))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	srv, done, addr := s.srv, s.done, s.addr
	s.srv, s.done, s.addr = nil, nil, ""

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	err := srv.Shutdown(shutCtx)
	<-done
	s.log.Info("pprof disabled", logx.String("addr", addr))
	return err
}

// Addr is the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func routes(token string) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	g := r.Group("/debug/pprof")
	if token != "" {
		g.Use(func(c *gin.Context) {
			got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				c.AbortWithStatus(http.StatusUnauthorized)
				return
			}
			c.Next()
		})
	}
	g.GET("/", gin.WrapF(netpprof.Index))
	g.GET("/cmdline", gin.WrapF(netpprof.Cmdline))
	g.GET("/profile", gin.WrapF(netpprof.Profile))
	g.POST("/symbol", gin.WrapF(netpprof.Symbol))
	g.GET("/symbol", gin.WrapF(netpprof.Symbol))
	g.GET("/trace", gin.WrapF(netpprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		g.GET("/"+name, gin.WrapH(netpprof.Handler(name)))
	}
	return r
}
