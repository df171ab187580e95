package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"otp-notifier/config"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{
			name: "defaults",
			args: nil,
			want: options{envFile: ".env"},
		},
		{
			name: "all flags",
			args: []string{"--env-file", "prod.env", "--dry-run", "--once", "--log-level", "DEBUG"},
			want: options{envFile: "prod.env", logLevel: "DEBUG", dryRun: true, once: true, envSet: true},
		},
		{
			name:    "stray argument",
			args:    []string{"serve"},
			wantErr: true,
		},
		{
			name:    "unknown flag",
			args:    []string{"--verbose"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if *got != tt.want {
				t.Errorf("parseFlags() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestHelpIsNotAnError(t *testing.T) {
	_, err := parseFlags([]string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("parseFlags(--help) error = %v, want ErrHelp", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG":    slog.LevelDebug,
		"INFO":     slog.LevelInfo,
		"WARNING":  slog.LevelWarn,
		"ERROR":    slog.LevelError,
		"CRITICAL": slog.LevelError,
		"":         slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.log")
	logger, closeLog, err := newLogger("INFO", path)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Debug("hidden")
	logger.Info("Monitor started", "interval", "15s")
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"Monitor started"`) || strings.Contains(string(data), "hidden") {
		t.Errorf("log file = %s", data)
	}
}

func TestProvidersFallBackToMock(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	got := providers(context.Background(), &config.Config{}, logger)
	if len(got) != 1 || got[0].Name() != "mock" {
		t.Fatalf("providers() = %v, want only mock", got)
	}

	cfg := &config.Config{
		TelegramToken:   "123:abc",
		TelegramChatIDs: []int64{42},
		FeishuAppID:     "cli_x",
		FeishuAppSecret: "secret",
		FeishuChatIDs:   []string{"oc_1"},
	}
	got = providers(context.Background(), cfg, logger)
	var names []string
	for _, p := range got {
		names = append(names, p.Name())
	}
	if strings.Join(names, ",") != "telegram,feishu" {
		t.Errorf("providers() = %v, want telegram,feishu", names)
	}
}
