package sysutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func keepLogger(t *testing.T) {
	t.Helper()
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestSetLogLevel(t *testing.T) {
	keepLogger(t)
	for in, want := range map[string]zerolog.Level{
		"  DeBuG ": zerolog.DebugLevel,
		"":         zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"verbose":  zerolog.InfoLevel,
	} {
		SetLogLevel(in)
		if got := zerolog.GlobalLevel(); got != want {
			t.Errorf("SetLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := FirstNonEmpty(" ", "\t"); got != "" {
		t.Fatalf("all blank = %q", got)
	}
	if got := FirstNonEmpty("", "v1.4.0", "dev"); got != "v1.4.0" {
		t.Fatalf("got %q", got)
	}
}

func TestInitLogger_TagsComponent(t *testing.T) {
	keepLogger(t)

	var buf bytes.Buffer
	InitLogger(&buf, "warn", false, "worker")
	log.Info().Msg("dropped")
	log.Warn().Str("file_id", "f1").Msg("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, `"component":"worker"`) || !strings.Contains(out, `"file_id":"f1"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestInitLogger_Pretty(t *testing.T) {
	keepLogger(t)

	var buf bytes.Buffer
	InitLogger(&buf, "debug", true, "api")
	log.Debug().Msg("hello")
	if out := buf.String(); strings.HasPrefix(strings.TrimSpace(out), "{") || !strings.Contains(out, "hello") {
		t.Fatalf("expected console output, got: %s", out)
	}
}
