// Package internal holds helpers shared by the tests of every package.
package internal

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

const testLogEnv = "SPANWATCH_TEST_LOG"

var testLogger = sync.OnceValue(func() *slog.Logger {
	level, ok := testLogLevel(os.Getenv(testLogEnv))
	if !ok {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
})

// TestLogger returns the logger handed to clients, reducers and overlays
// under test. Records are discarded unless SPANWATCH_TEST_LOG names a slog
// level ("debug", "warn", ...) or is "1", which means debug.
func TestLogger() *slog.Logger {
	return testLogger()
}

func testLogLevel(v string) (slog.Level, bool) {
	v = strings.TrimSpace(v)
	switch v {
	case "", "0":
		return 0, false
	case "1":
		return slog.LevelDebug, true
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, false
	}
	return level, true
}
