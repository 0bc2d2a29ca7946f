// Command voicecall runs one voice call against a conversational agent from
// the terminal, then prints the transcript and the post-call analysis.
//
// Usage:
//
//	voicecall [-config voicecall.yaml] [-relay]
//
// Press Enter to end the call, "m" then Enter to toggle mute, Ctrl-C to
// abandon it.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/analysis"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/backend"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/capture"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/config"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/device"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/negotiate"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/playback"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/postcall"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/session"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/transcript"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/transport"
)

type callDeps struct {
	newSource    func(cfg *config.Config, logger *slog.Logger) capture.Source
	newOutput    func(cfg *config.Config, logger *slog.Logger) (playback.Output, error)
	newAnalyzer  func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (analysis.Analyzer, error)
	stdin        io.Reader
	stdout       io.Writer
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultCallDeps() callDeps {
	return callDeps{
		newSource: func(cfg *config.Config, logger *slog.Logger) capture.Source {
			return device.NewMicrophone(cfg.SampleRate, logger)
		},
		newOutput: func(cfg *config.Config, logger *slog.Logger) (playback.Output, error) {
			return device.NewSpeaker(cfg.SampleRate, logger)
		},
		newAnalyzer: func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (analysis.Analyzer, error) {
			return analysis.NewGemini(ctx, analysis.Config{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel}, logger)
		},
		stdin:  os.Stdin,
		stdout: os.Stdout,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func runCall(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps callDeps) error {
	if deps.newSource == nil || deps.newOutput == nil || deps.newAnalyzer == nil {
		return errors.New("missing device or analyzer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if deps.stdin == nil {
		deps.stdin = os.Stdin
	}
	if deps.stdout == nil {
		deps.stdout = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	out := deps.stdout

	if strings.TrimSpace(cfg.AgentID) == "" {
		return report(out, &session.Error{Category: session.CategoryAgentNotConfigured, Cause: negotiate.ErrAgentNotConfigured})
	}

	client := backend.New(backend.Config{
		SessionStoreURL: cfg.SessionStoreURL,
		StoreToken:      cfg.SessionStoreToken,
		PeerBaseURL:     cfg.PeerBaseURL,
		PeerAPIKey:      cfg.APIKey,
	}, nil, logger)

	direct, relay, err := buildAdapters(cfg, client, logger)
	if err != nil {
		return err
	}
	var relayProber negotiate.Prober
	if relay != nil {
		relayProber = relay
	}

	negotiator := negotiate.New(negotiate.Dependencies{
		AgentID: cfg.AgentID,
		Direct:  direct,
		Relay:   relayProber,
		Logger:  logger,
		Config: negotiate.Config{
			ProbeTimeout: cfg.ProbeTimeout.Std(),
			ForceRelay:   cfg.ForceRelay,
		},
	})
	fmt.Fprintln(out, "Checking connectivity...")
	decision, err := negotiator.Negotiate(ctx)
	if err != nil {
		category := session.CategoryConnectivity
		if errors.Is(err, negotiate.ErrAgentNotConfigured) {
			category = session.CategoryAgentNotConfigured
		}
		return report(out, &session.Error{Category: category, Cause: err})
	}
	var adapter transport.Adapter = direct
	if decision.Mode == transport.ModeRelay {
		adapter = relay
	}
	fmt.Fprintf(out, "Connecting (%s, probe %dms)...\n", decision.Mode, probeLatency(decision).Milliseconds())

	analyzer, err := deps.newAnalyzer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	pipelineDeps := postcall.Dependencies{
		Analyzer: analyzer,
		Logger:   logger,
		Config: postcall.Config{
			RetryBase:   cfg.RetryBase.Std(),
			MaxAttempts: cfg.RetryMaxAttempts,
		},
	}
	if strings.TrimSpace(cfg.APIKey) != "" {
		pipelineDeps.Recordings = client
	}
	var records session.RecordCreator
	if strings.TrimSpace(cfg.SessionStoreURL) != "" {
		pipelineDeps.Store = client
		records = client
	}
	pipeline, err := postcall.New(pipelineDeps)
	if err != nil {
		return err
	}

	output, err := deps.newOutput(cfg, logger)
	if err != nil {
		return report(out, &session.Error{Category: session.CategoryPermission, Cause: err})
	}

	ctrl, err := session.New(session.Dependencies{
		AgentID:   cfg.AgentID,
		Source:    deps.newSource(cfg, logger),
		Output:    output,
		Pipeline:  pipeline,
		Records:   records,
		Overrides: overridesFrom(cfg),
		Observer:  printer(out),
		Logger:    logger,
		Config: session.Config{
			WindowSize: cfg.WindowSize,
			SampleRate: cfg.SampleRate,
		},
	})
	if err != nil {
		return err
	}

	if err := ctrl.Start(ctx, adapter); err != nil {
		var serr *session.Error
		if errors.As(err, &serr) {
			return report(out, serr)
		}
		return err
	}

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	commands := readCommands(deps.stdin)
	if f, ok := deps.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintln(out, "Call started. Enter ends the call, m+Enter toggles mute, Ctrl-C abandons it.")
	}

	muted := false
	for {
		select {
		case cmd, ok := <-commands:
			if ok && cmd == "m" {
				muted = !muted
				ctrl.SetMuted(muted)
				fmt.Fprintf(out, "(muted=%v)\n", muted)
				continue
			}
			if ctrl.State() != session.StateConnected {
				fmt.Fprintln(out, "Call is not connected yet.")
				if !ok {
					commands = nil
				}
				continue
			}
			fmt.Fprintln(out, "Ending call, analyzing...")
			res, err := ctrl.End(ctx)
			return finish(out, res, err)
		case sig := <-sigCh:
			logger.Info("abandoning call", "signal", sig.String())
			ctrl.Abort()
			<-ctrl.Done()
			fmt.Fprintln(out, "Call abandoned.")
			return nil
		case <-ctrl.Done():
			res, _ := ctrl.Result()
			return finish(out, res, ctrl.Err())
		}
	}
}

func buildAdapters(cfg *config.Config, client *backend.Client, logger *slog.Logger) (*transport.Direct, *transport.Relay, error) {
	directCfg := transport.DirectConfig{
		BaseURL:  cfg.DirectURL,
		AgentID:  cfg.AgentID,
		APIKey:   cfg.APIKey,
		ProbeURL: cfg.DirectProbe,
	}
	if cfg.SignedURL {
		directCfg.SignedURL = client.SignedURL
	}
	direct, err := transport.NewDirect(directCfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("direct transport: %w", err)
	}
	if strings.TrimSpace(cfg.RelayURL) == "" {
		return direct, nil, nil
	}
	relay, err := transport.NewRelay(transport.RelayConfig{
		BaseURL: cfg.RelayURL,
		AgentID: cfg.AgentID,
		Token:   cfg.RelayToken,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("relay transport: %w", err)
	}
	return direct, relay, nil
}

func probeLatency(d negotiate.Decision) time.Duration {
	if d.Mode == transport.ModeRelay {
		return d.Relay.Latency
	}
	return d.Direct.Latency
}

// readCommands yields trimmed input lines and closes on EOF.
func readCommands(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- strings.ToLower(strings.TrimSpace(scanner.Text()))
		}
	}()
	return ch
}

func report(out io.Writer, err *session.Error) error {
	fmt.Fprintln(out, err.Message())
	return err
}

func finish(out io.Writer, res session.Result, err error) error {
	if len(res.Transcript) > 0 {
		fmt.Fprintf(out, "\nTranscript (%s):\n", res.Duration.Round(time.Second))
		for _, e := range res.Transcript {
			fmt.Fprintf(out, "  [%s] %s: %s\n", e.Label(), e.Role, e.Text)
		}
	}
	if err != nil {
		var serr *session.Error
		if errors.As(err, &serr) {
			return report(out, serr)
		}
		return err
	}
	if res.AudioErr != nil {
		fmt.Fprintln(out, "\nRecording unavailable; analysis used the transcript only.")
	}
	fmt.Fprintf(out, "\nAnalysis:\n%s\n", res.Analysis)
	if res.SessionID != "" {
		fmt.Fprintf(out, "Saved as session %s\n", res.SessionID)
	}
	return nil
}

func printer(out io.Writer) session.Observer {
	return session.Observer{
		OnStateChange: func(from, to session.State) {
			if to == session.StateConnected {
				fmt.Fprintln(out, "Connected. Start talking.")
			}
		},
		OnTranscript: func(e transcript.Entry) {
			fmt.Fprintf(out, "[%s] %s: %s\n", e.Label(), e.Role, e.Text)
		},
		OnStep: func(s postcall.Step) {
			fmt.Fprintf(out, "  ... %s\n", s)
		},
	}
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultCallDeps()))
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps callDeps) int {
	fs := flag.NewFlagSet("voicecall", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML or JSON config file")
	forceRelay := fs.Bool("relay", false, "force relay transport")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "voicecall: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "voicecall: %v\n", err)
		return 1
	}
	if *forceRelay {
		cfg.ForceRelay = true
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(stderr, "voicecall: %v\n", err)
			return 1
		}
	}

	logger, closeLog := newLogger(cfg.Log, stderr)
	defer closeLog()

	if err := runCall(ctx, cfg, logger, deps); err != nil {
		if session.CategoryOf(err) == "" {
			fmt.Fprintf(stderr, "voicecall: %v\n", err)
		}
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
