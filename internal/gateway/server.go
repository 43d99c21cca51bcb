// Package gateway assembles the S3-facing HTTP server: listener, middleware
// chain, and operation routing.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/edgecdn-tools/bunny-s3-gateway/internal/bunny"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/config"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/handlers/bucket"
	mpart "github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/handlers/multipart"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/handlers/object"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/middleware"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/lock"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/multipart"
)

// Server-side HTTP/2 receive windows stay small for the same reason as the
// storage client's: concurrent streaming uploads must not inflate frame
// buffers beyond a small bound. h2c applies them before the first SETTINGS
// exchange.
const (
	serverWindowPerStream     = 16 << 10
	serverWindowPerConnection = 64 << 10
)

type Server struct {
	cfg     *config.Config
	handler http.Handler
	locker  lock.Locker
	log     *logrus.Entry
}

// New builds the full handler stack: request logging, SigV4 verification,
// virtual-host rewrite, then the operation router. Verification runs before
// the rewrite so the canonical request matches the URL the client signed.
func New(cfg *config.Config) (*Server, error) {
	client := bunny.NewClient(cfg.EndpointURL(), cfg.StorageZone, cfg.AccessKey)

	var locker lock.Locker
	if cfg.RedisURL != "" {
		redisLocker, err := lock.NewRedis(cfg.RedisURL, cfg.RedisLockTTL())
		if err != nil {
			return nil, err
		}
		locker = redisLocker
	} else {
		locker = lock.NewMemory()
	}

	zone := cfg.StorageZone
	engine := multipart.NewEngine(client)
	router := newRouter(
		bucket.NewHandler(client, zone, time.Now()),
		object.NewHandler(client, zone, locker),
		mpart.NewHandler(engine, zone),
	)

	auth := middleware.NewAuthenticator(cfg.S3AccessKeyID, cfg.S3SecretAccessKey)
	handler := middleware.Logging(auth.Middleware(middleware.VirtualHost(zone)(router)))

	return &Server{
		cfg:     cfg,
		handler: handler,
		locker:  locker,
		log:     logrus.WithField("component", "server"),
	}, nil
}

// Handler exposes the assembled stack, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.SocketPath != "" {
		// A stale socket from a previous run would fail the bind.
		if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("failed to bind unix socket %s: %w", s.cfg.SocketPath, err)
		}
		if err := os.Chmod(s.cfg.SocketPath, 0o777); err != nil {
			ln.Close()
			return nil, fmt.Errorf("failed to chmod socket: %w", err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", s.cfg.ListenAddr, err)
	}
	return ln, nil
}

// Run serves cleartext HTTP/1.1 and h2c until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}

	h2s := &http2.Server{
		MaxUploadBufferPerStream:     serverWindowPerStream,
		MaxUploadBufferPerConnection: serverWindowPerConnection,
	}
	httpServer := &http.Server{
		Handler: h2c.NewHandler(s.handler, h2s),
	}

	s.log.WithFields(logrus.Fields{
		"address": ln.Addr().String(),
		"zone":    s.cfg.StorageZone,
		"region":  string(s.cfg.Region),
	}).Info("Gateway listening")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if closer, ok := s.locker.(interface{ Close() error }); ok {
		closer.Close()
	}
	return nil
}
