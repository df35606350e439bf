package main

import (
	"context"
	"testing"
	"time"

	"github.com/wudi/meshroute/internal/config"
	"github.com/wudi/meshroute/internal/engine"
	"go.uber.org/zap"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want int
	}{
		{
			name: "valid",
			doc: `
route_rules:
  - name: canary
    destination: reviews
    route:
      - tags: {version: v2}
`,
			want: 0,
		},
		{
			name: "rejected entry",
			doc: `
route_rules:
  - name: broken
    route:
      - tags: {version: v2}
`,
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.NewLoader().Parse([]byte(tt.doc))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := validate(cfg); got != tt.want {
				t.Errorf("validate() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoggingOptions(t *testing.T) {
	cfg := config.LoggingConfig{
		Level:    "warn",
		Output:   "/var/log/meshroute.log",
		Rotation: config.LogRotationConfig{MaxSize: 10, Compress: true},
	}

	opts := loggingOptions(cfg, "")
	if opts.Level != "warn" || opts.Output != cfg.Output {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Rotation.MaxSize != 10 || !opts.Rotation.Compress {
		t.Errorf("rotation = %+v", opts.Rotation)
	}

	if got := loggingOptions(cfg, "debug").Level; got != "debug" {
		t.Errorf("override level = %q, want debug", got)
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	eng := engine.New(engine.Options{Logger: zap.NewNop()})

	for _, interval := range []time.Duration{0, 10 * time.Millisecond} {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- sweep(ctx, eng, interval) }()

		time.Sleep(30 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("interval %v: sweep returned %v", interval, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("interval %v: sweep did not stop", interval)
		}
	}
}
