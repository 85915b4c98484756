package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate and key used when serving HTTPS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool { return c.CertFile != "" }

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// Ready receives the bound address once the listener is open, then is
	// closed. It must be buffered or drained by the caller.
	Ready chan<- net.Addr
	// OnShutdown hooks run in order after the server has stopped accepting
	// requests, sharing the shutdown deadline.
	OnShutdown []func(context.Context) error
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves cfg.Server until ctx is cancelled or serving fails. On
// cancellation the server drains within ShutdownTimeout and the OnShutdown
// hooks run; every error met on the way out is joined into the result.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listen(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.enabled())
	if cfg.Ready != nil {
		cfg.Ready <- ln.Addr()
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- cfg.Server.Serve(ln) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("http server shutting down")
	return shutdown(cfg, serveErr, logger)
}

func listen(ctx context.Context, cfg Config) (net.Listener, error) {
	var lc net.ListenConfig
	// Binding is not abandoned on cancellation; Run shuts down right after.
	ln, err := lc.Listen(context.WithoutCancel(ctx), "tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.enabled() {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Server.TLSConfig != nil {
		tlsCfg = cfg.Server.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func shutdown(cfg Config, serveErr <-chan error, logger *slog.Logger) error {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errs := []error{cfg.Server.Shutdown(ctx)}
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	for _, hook := range cfg.OnShutdown {
		if hook == nil {
			continue
		}
		if err := hook(ctx); err != nil {
			logger.Warn("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
