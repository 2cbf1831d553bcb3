// Package web serves the document root over HTTPS.
package web

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/arhuman/lanserve/internal/certs"
	"github.com/arhuman/lanserve/internal/config"
	"github.com/arhuman/lanserve/internal/logging"
	"github.com/arhuman/lanserve/internal/util"
)

// WebServer is the HTTPS static file server. The certificate, root handle
// and configuration are read-only once NewWebServer returns.
type WebServer struct {
	config    *config.ServerConfig
	logger    *zap.Logger
	metrics   *Metrics
	root      *os.Root
	cert      tls.Certificate
	server    *http.Server
	listener  net.Listener
	startTime time.Time
	served    atomic.Int64
	closeOnce sync.Once
}

// NewWebServer opens the document root and loads the key pair. It does not
// bind any socket yet.
func NewWebServer(cfg *config.ServerConfig, logger *zap.Logger) (*WebServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	root, err := openDocumentRoot(cfg.Directory)
	if err != nil {
		return nil, err
	}

	cert, err := certs.LoadKeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		root.Close()
		return nil, &CertificateLoadError{CertFile: cfg.CertFile, KeyFile: cfg.KeyFile, Err: err}
	}

	ws := &WebServer{
		config:    cfg,
		logger:    logger.With(zap.String("component", "web")),
		metrics:   NewMetrics(),
		root:      root,
		cert:      cert,
		startTime: time.Now(),
	}
	ws.metrics.SetCertificateExpiry(cert.Leaf.NotAfter)

	// Create HTTP server with appropriate timeouts
	ws.server = &http.Server{
		Handler:           ws.routes(),
		TLSConfig:         ws.tlsConfig(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          logging.NewErrorLog(logger, ws.metrics.HandshakeError),
		ConnState:         ws.metrics.ConnState,
	}

	return ws, nil
}

func openDocumentRoot(dir string) (*os.Root, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &DocumentRootError{Dir: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &DocumentRootError{Dir: dir, Err: errors.New("not a directory")}
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, &DocumentRootError{Dir: dir, Err: err}
	}
	return root, nil
}

func (ws *WebServer) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{ws.cert},
		NextProtos:   []string{"h2", "http/1.1"},
	}
}

// Listen binds the TCP socket. Every accepted connection goes through the
// TLS record guard, the connection limit and then the TLS handshake.
func (ws *WebServer) Listen() error {
	addr := ws.config.Address()
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	limited := netutil.LimitListener(tlsOnlyListener{Listener: lis}, ws.config.MaxConnections)
	ws.listener = tls.NewListener(limited, ws.server.TLSConfig)
	return nil
}

// Addr returns the bound address, or nil before Listen
func (ws *WebServer) Addr() net.Addr {
	if ws.listener == nil {
		return nil
	}
	return ws.listener.Addr()
}

// Handler returns the request handler, for use without a listener
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Certificate returns the parsed certificate being served
func (ws *WebServer) Certificate() tls.Certificate {
	return ws.cert
}

// Serve accepts connections until ctx is cancelled, then drains in-flight
// requests for at most ShutdownTimeout. It listens first if needed.
func (ws *WebServer) Serve(ctx context.Context) error {
	defer ws.Close()

	if ws.listener == nil {
		if err := ws.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ws.logger.Info("Web server listening",
			zap.String("address", ws.listener.Addr().String()),
			zap.String("directory", ws.config.Directory),
			zap.Int("max_connections", ws.config.MaxConnections))

		if err := ws.server.Serve(ws.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server stopped: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		ws.logger.Info("Shutting down web server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ws.config.ShutdownTimeout)
		defer cancel()

		if err := ws.server.Shutdown(shutdownCtx); err != nil {
			ws.server.Close()
			return fmt.Errorf("web server shutdown: %w", err)
		}
		ws.logger.Info("Web server stopped",
			zap.Duration("uptime", time.Since(ws.startTime)),
			zap.String("served", util.FormatBytes(ws.served.Load())))
		return nil
	})

	return g.Wait()
}

// Close releases the listener and the document root. It is safe to call
// more than once and after Serve.
func (ws *WebServer) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		if ws.listener != nil {
			if cerr := ws.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
		if cerr := ws.root.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// StartWebServer loads everything, binds, calls onReady with the bound
// address, and serves until ctx is cancelled. onReady may be nil.
func StartWebServer(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger, onReady func(net.Addr)) error {
	ws, err := NewWebServer(cfg, logger)
	if err != nil {
		return err
	}

	if err := ws.Listen(); err != nil {
		ws.Close()
		return err
	}

	if onReady != nil {
		onReady(ws.Addr())
	}

	return ws.Serve(ctx)
}
