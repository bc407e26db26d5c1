// Package server exposes the invoke pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"invoker/internal/common/http/middleware"
	"invoker/internal/invoker/model"
	pkgerrors "invoker/pkg/errors"
	"invoker/pkg/utils/logger"
	"invoker/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	readyBody              = "OK"
)

// InvokeHandler answers one invoke request.
type InvokeHandler interface {
	HandleInvokeRequest(ctx context.Context, req model.InvokeRequest) (model.InvokeResponse, error)
}

// Config holds HTTP server timeouts.
type Config struct {
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Server is the HTTP front door.
type Server struct {
	handler InvokeHandler
	cfg     Config
	router  *gin.Engine
}

// New builds the router.
func New(handler InvokeHandler, cfg Config) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{handler: handler, cfg: cfg}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.TraceContextMiddleware())
	router.Use(middleware.RequestLogger())
	router.POST("/exec", s.exec)
	router.GET("/ready", s.ready)
	s.router = router
	return s
}

// Handler returns the http.Handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) exec(c *gin.Context) {
	var req model.InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.InternalError(c, pkgerrors.Wrapf(err, pkgerrors.InvalidParams, "decode invoke request"))
		return
	}
	resp, err := s.handler.HandleInvokeRequest(c.Request.Context(), req)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, resp)
}

func (s *Server) ready(c *gin.Context) {
	c.String(http.StatusOK, readyBody)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully.
// A unix socket file is removed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "invoker http server started", zap.String("addr", ln.Addr().Network()+"://"+ln.Addr().String()))
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "http server stopped")
		}
		return nil
	case <-ctx.Done():
		logger.Info(context.WithoutCancel(ctx), "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "http server shutdown failed")
	}
	return nil
}

// ListenAndServe parses addr, listens and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, rawAddr string) error {
	addr, err := ParseListenAddress(rawAddr)
	if err != nil {
		return err
	}
	ln, err := Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
