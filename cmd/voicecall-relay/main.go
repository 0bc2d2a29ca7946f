package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-voicecall/pkg/relay/config"
	relayserver "github.com/vango-go/vai-voicecall/pkg/relay/server"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newRelay     func(config.Config, *slog.Logger) *relayserver.Server
	listen       func(network, addr string) (net.Listener, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newRelay:   relayserver.New,
		listen:     net.Listen,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildHTTPServer leaves WriteTimeout unset; relayed sockets are long-lived.
func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil || deps.newRelay == nil || deps.listen == nil {
		return errors.New("missing config, relay or listener dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ln, err := deps.listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	relay := deps.newRelay(cfg, logger)
	httpSrv := buildHTTPServer(cfg, relay.Handler())

	logger.Info("relay listening",
		"addr", ln.Addr().String(),
		"upstream", cfg.UpstreamURL,
		"auth_mode", cfg.AuthMode,
		"max_sessions", cfg.MaxSessions,
		"max_session_duration", cfg.MaxSessionDuration,
		"agent_allowlist", len(cfg.AgentAllowlist),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = httpSrv.Close()
		relay.CancelSessions()
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	report, err := drain(relay, httpSrv, cfg, logger)
	if err != nil {
		return err
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("relay stopped",
		"sessions_at_signal", report.Active,
		"sessions_cancelled", report.Cancelled,
		"sessions_left", report.Left,
	)
	return nil
}

type drainReport struct {
	// Active is the number of relayed sessions when draining began.
	Active int
	// Cancelled were still open when the grace period ran out.
	Cancelled int
	// Left did not unwind even after being cancelled.
	Left int
}

// drain stops new conversations, lets live ones finish within the grace
// period and then closes the rest with 1001. http.Server.Shutdown does not
// see hijacked websockets, so the relay's own tracker is what is waited on.
func drain(relay *relayserver.Server, httpSrv *http.Server, cfg config.Config, logger *slog.Logger) (drainReport, error) {
	report := drainReport{Active: relay.ActiveSessions()}
	relay.SetDraining()
	logger.Info("draining relay",
		"active_sessions", report.Active,
		"grace_period", cfg.ShutdownGracePeriod,
	)

	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(graceCtx); err != nil {
		return report, fmt.Errorf("shutdown http server: %w", err)
	}
	if relay.WaitSessions(graceCtx) {
		return report, nil
	}

	report.Cancelled = relay.CancelSessions()
	logger.Warn("grace period expired, closing relayed sessions", "sessions", report.Cancelled)

	unwindCtx, unwindCancel := context.WithTimeout(context.Background(), 2*cfg.WSWriteTimeout)
	defer unwindCancel()
	if !relay.WaitSessions(unwindCtx) {
		report.Left = relay.ActiveSessions()
		logger.Error("relayed sessions still open after cancel", "sessions", report.Left)
	}
	return report, nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "voicecall-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicecall-relay: %v\n", err)
		return 1
	}
	return 0
}

// loadDotEnv loads path when present. Existing variables win.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
