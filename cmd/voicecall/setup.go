package main

import (
	"io"
	"log/slog"
	"strings"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/config"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/protocol"
)

// newLogger writes to stderr and, when cfg.File is set, to a rotating file as
// well. The returned func closes the file.
func newLogger(cfg config.LogConfig, stderr io.Writer) (*slog.Logger, func()) {
	w := stderr
	closeFn := func() {}
	if path := strings.TrimSpace(cfg.File); path != "" {
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		w = io.MultiWriter(stderr, rotating)
		closeFn = func() { _ = rotating.Close() }
	}

	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closeFn
}

func overridesFrom(cfg *config.Config) protocol.Overrides {
	return protocol.Overrides{
		DynamicVariables: cfg.DynamicVariables,
		Prompt:           cfg.Prompt,
		FirstMessage:     cfg.FirstMessage,
		Language:         cfg.Language,
		VoiceID:          cfg.VoiceID,
	}
}
