package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicecall/pkg/relay/config"
	relayserver "github.com/vango-go/vai-voicecall/pkg/relay/server"
)

func testConfig(addr string) config.Config {
	return config.Config{
		Addr:                     addr,
		AuthMode:                 config.AuthModeDisabled,
		Tokens:                   map[string]struct{}{},
		UpstreamURL:              "ws://127.0.0.1:1/socket",
		UpstreamAPIKey:           "xi_test",
		AgentAllowlist:           map[string]struct{}{},
		AllowedOrigins:           map[string]struct{}{},
		MaxSessions:              1,
		MaxSessionDuration:       time.Minute,
		MaxMessageBytes:          1 << 20,
		UpstreamHandshakeTimeout: time.Second,
		WSWriteTimeout:           time.Second,
		WSPingInterval:           time.Second,
		ReadHeaderTimeout:        time.Second,
		ReadTimeout:              time.Second,
		ShutdownGracePeriod:      time.Second,
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, relayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newRelay: func(cfg config.Config, logger *slog.Logger) *relayserver.Server {
			t.Fatalf("newRelay should not be called when config load fails")
			return nil
		},
		listen:       net.Listen,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestRunRelay_MissingDependencies(t *testing.T) {
	if err := runRelay(context.Background(), nil, relayDeps{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestBuildHTTPServer_UsesConfiguredTimeouts(t *testing.T) {
	cfg := testConfig("127.0.0.1:9999")
	cfg.ReadHeaderTimeout = 2 * time.Second
	cfg.ReadTimeout = 3 * time.Second

	srv := buildHTTPServer(cfg, http.NotFoundHandler())
	if srv.Addr != cfg.Addr || srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout || srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("server=%+v", srv)
	}
	if srv.WriteTimeout != 0 {
		t.Fatalf("WriteTimeout=%v, want 0", srv.WriteTimeout)
	}
}

func TestRunRelay_ServesUntilSignal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	sigCh := make(chan chan<- os.Signal, 1)
	deps := relayDeps{
		loadConfig: func() (config.Config, error) { return testConfig(addr), nil },
		newRelay:   relayserver.New,
		listen:     func(string, string) (net.Listener, error) { return ln, nil },
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			sigCh <- c
		},
		signalStop: func(c chan<- os.Signal) {},
	}

	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	errCh := make(chan error, 1)
	go func() { errCh <- runRelay(context.Background(), logger, deps) }()

	notify := <-sigCh
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("/healthz status=%d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay never became healthy: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	notify <- syscall.SIGTERM
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runRelay() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("runRelay did not stop after signal")
	}
	got := logs.String()
	for _, want := range []string{"max_sessions=1", "active_sessions=0", "sessions_cancelled=0"} {
		if !strings.Contains(got, want) {
			t.Fatalf("logs missing %q:\n%s", want, got)
		}
	}
}

func TestRunRelay_ListenFailureIsReturned(t *testing.T) {
	deps := defaultRelayDeps()
	deps.loadConfig = func() (config.Config, error) { return testConfig("127.0.0.1:0"), nil }
	deps.listen = func(string, string) (net.Listener, error) { return nil, errors.New("address in use") }
	deps.newRelay = func(config.Config, *slog.Logger) *relayserver.Server {
		t.Fatalf("newRelay should not be called when listen fails")
		return nil
	}
	err := runRelay(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), deps)
	if err == nil || !strings.Contains(err.Error(), "address in use") {
		t.Fatalf("err=%v", err)
	}
}

// holdingUpstream accepts conversations and keeps them open until the peer
// closes.
func holdingUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDrain_ClosesSessionsLeftAfterGracePeriod(t *testing.T) {
	upstream := holdingUpstream(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := testConfig(ln.Addr().String())
	cfg.UpstreamURL = "ws" + strings.TrimPrefix(upstream.URL, "http")
	cfg.ShutdownGracePeriod = 100 * time.Millisecond

	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	relay := relayserver.New(cfg, logger)
	httpSrv := buildHTTPServer(cfg, relay.Handler())
	go func() { _ = httpSrv.Serve(ln) }()

	client, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/v1/convai/conversation?agent_id=agent_1", nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for relay.ActiveSessions() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("active sessions=%d, want 1", relay.ActiveSessions())
		}
		time.Sleep(5 * time.Millisecond)
	}

	report, err := drain(relay, httpSrv, cfg, logger)
	if err != nil {
		t.Fatalf("drain() error = %v", err)
	}
	if report.Active != 1 || report.Cancelled != 1 || report.Left != 0 {
		t.Fatalf("report=%+v, want 1 active, 1 cancelled, 0 left", report)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("client read err=%v, want going away", err)
	}
	if got := logs.String(); !strings.Contains(got, "grace period expired") {
		t.Fatalf("logs missing grace period warning:\n%s", got)
	}
}

func TestDrain_IdleRelayFinishesWithinGrace(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := testConfig(ln.Addr().String())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay := relayserver.New(cfg, logger)
	httpSrv := buildHTTPServer(cfg, relay.Handler())
	go func() { _ = httpSrv.Serve(ln) }()

	start := time.Now()
	report, err := drain(relay, httpSrv, cfg, logger)
	if err != nil {
		t.Fatalf("drain() error = %v", err)
	}
	if report != (drainReport{}) {
		t.Fatalf("report=%+v, want zero", report)
	}
	if elapsed := time.Since(start); elapsed >= cfg.ShutdownGracePeriod {
		t.Fatalf("idle drain took %v", elapsed)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoadDotEnv_MissingFileIsIgnored(t *testing.T) {
	if err := loadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("loadDotEnv() error = %v", err)
	}
}

func TestLoadDotEnv_KeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("VOICECALL_RELAY_TEST_A=from_file\nVOICECALL_RELAY_TEST_B=from_file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("VOICECALL_RELAY_TEST_A", "from_env")
	t.Setenv("VOICECALL_RELAY_TEST_B", "")
	os.Unsetenv("VOICECALL_RELAY_TEST_B")

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv() error = %v", err)
	}
	if got := os.Getenv("VOICECALL_RELAY_TEST_A"); got != "from_env" {
		t.Fatalf("A=%q, want from_env", got)
	}
	if got := os.Getenv("VOICECALL_RELAY_TEST_B"); got != "from_file" {
		t.Fatalf("B=%q, want from_file", got)
	}
}
