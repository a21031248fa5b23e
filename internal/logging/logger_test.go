package logging

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != InfoLevel {
		t.Errorf("expected default level %v, got %v", InfoLevel, cfg.Level)
	}
	if cfg.Format != TextFormat {
		t.Errorf("expected default format %v, got %v", TextFormat, cfg.Format)
	}
	if !cfg.AddCaller {
		t.Error("expected AddCaller to be true")
	}
}

func TestNewFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envLevel string
		envFmt   string
	}{
		{"debug from env", "debug", "json"},
		{"info from env", "INFO", "text"},
		{"no env vars", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envLevel != "" {
				os.Setenv("LOG_LEVEL", tt.envLevel)
				defer os.Unsetenv("LOG_LEVEL")
			}
			if tt.envFmt != "" {
				os.Setenv("LOG_FORMAT", tt.envFmt)
				defer os.Unsetenv("LOG_FORMAT")
			}

			l := NewFromEnv()
			if l == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestWithFields(t *testing.T) {
	l := New(DefaultConfig())
	scoped := l.With("key", "cache-key-1")
	if scoped == nil {
		t.Fatal("expected non-nil scoped logger")
	}
	// Smoke test: must not panic with odd or mistyped kv pairs.
	scoped.Warn("consistency issue", "tile", 42, "extra")
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same Logger instance across calls")
	}
}
