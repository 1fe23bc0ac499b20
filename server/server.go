// Package server is the reference share server: it accepts resumable chunked
// uploads, computes the content digest as bytes arrive and serves finished
// shares with range support.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alttch/sshare/config"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/server/log"
	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

type Options struct {
	DataDir   string
	PublicURL string
	// Tokens accepted as bearer tokens for uploads and deletes. Empty
	// disables upload authentication.
	Tokens         []string
	MaxSize        int64
	ChunkSize      int64
	Resumable      bool
	DefaultExpires time.Duration
	MaxExpires     time.Duration
	// UploadTTL bounds how long an idle upload session is kept.
	UploadTTL time.Duration
	Verbose   bool
	Now       func() time.Time
}

// OptionsFromConfig converts the loaded configuration.
func OptionsFromConfig(cfg *config.ServerConfig) (Options, error) {
	def, err := internal.ParseExpiry(cfg.DefaultExpires)
	if err != nil {
		return Options{}, fmt.Errorf("default_expires: %w", err)
	}
	maxExp, err := internal.ParseExpiry(cfg.MaxExpires)
	if err != nil {
		return Options{}, fmt.Errorf("max_expires: %w", err)
	}
	return Options{
		DataDir:        cfg.DataDir,
		PublicURL:      cfg.PublicURL,
		Tokens:         cfg.Tokens,
		MaxSize:        cfg.MaxSize,
		ChunkSize:      cfg.ChunkSize,
		Resumable:      cfg.Resumable,
		DefaultExpires: def,
		MaxExpires:     maxExp,
		Verbose:        strings.EqualFold(cfg.LogLevel, "debug") || strings.EqualFold(cfg.LogLevel, "trace"),
	}, nil
}

type Server struct {
	opts   Options
	store  *Store
	engine *gin.Engine

	mu      sync.Mutex
	uploads map[string]*upload
}

func New(opts Options) (*Server, error) {
	if opts.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10 << 30
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 4 << 20
	}
	if opts.DefaultExpires <= 0 {
		opts.DefaultExpires = 24 * time.Hour
	}
	if opts.UploadTTL <= 0 {
		opts.UploadTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")

	store, err := NewStore(opts.DataDir)
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:    opts,
		store:   store,
		uploads: make(map[string]*upload),
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Sweep drops expired shares and idle upload sessions.
func (s *Server) Sweep() {
	now := s.opts.Now()
	removed, err := s.store.PurgeExpired(now)
	if err != nil {
		log.Structured(&pterm.Warning, "expired share sweep failed", log.Fields{log.FieldError: err})
	}

	s.mu.Lock()
	var stale []string
	for id, u := range s.uploads {
		if now.Sub(u.touched()) > s.opts.UploadTTL {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(s.uploads, id)
	}
	s.mu.Unlock()
	for _, id := range stale {
		_ = s.store.RemovePart(id)
	}

	if removed > 0 || len(stale) > 0 {
		log.Structured(&pterm.Info, "sweep finished", log.Fields{
			"expired_shares": removed,
			"stale_uploads":  len(stale),
		})
	}
}

// Serve runs the HTTP server on listener until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener, certFile, keyFile string) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Structured(&pterm.Info, "starting share server", log.Fields{
			log.FieldListen:  listener.Addr().String(),
			log.FieldDataDir: s.opts.DataDir,
			log.FieldTLS:     certFile != "",
		})
		var err error
		if certFile != "" {
			err = srv.ServeTLS(listener, certFile, keyFile)
		} else {
			err = srv.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if ok {
				log.Structured(&pterm.Error, "server error", log.Fields{log.FieldError: err})
				return err
			}
			return nil
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			log.Structured(&pterm.Warning, "shutdown initiated", nil)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Structured(&pterm.Error, "graceful shutdown timed out - forcing exit", log.Fields{log.FieldError: err})
				return srv.Close()
			}
			return nil
		}
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), log.Middleware(s.opts.Verbose))
	r.HandleMethodNotAllowed = true

	api := r.Group("/api/v1")
	api.GET("/ping", s.ping)

	uploads := api.Group("/uploads", s.requireToken)
	uploads.POST("", s.createUpload)
	uploads.HEAD("/:id", s.uploadOffset)
	uploads.PATCH("/:id", s.patchUpload)
	uploads.POST("/:id/complete", s.completeUpload)

	api.GET("/shares/:id", s.getShare)
	api.HEAD("/shares/:id", s.getShare)
	api.GET("/shares/:id/info", s.shareInfo)
	api.DELETE("/shares/:id", s.requireToken, s.deleteShare)

	r.GET("/s/:id", s.getShare)
	return r
}
