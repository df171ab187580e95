// Package main runs a service that watches an SMS portal for one-time
// passwords and forwards each new one to the configured chat and email
// channels.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"otp-notifier/clock"
	"otp-notifier/config"
	"otp-notifier/dedup"
	"otp-notifier/health"
	"otp-notifier/maintenance"
	"otp-notifier/notify"
	"otp-notifier/pkg/otp"
	"otp-notifier/poll"
	"otp-notifier/scraper"
	"otp-notifier/server"
	"otp-notifier/session"
	"otp-notifier/storage"
)

const (
	backupPrefix    = "backups/"
	shutdownTimeout = 2 * time.Minute
)

type options struct {
	envFile  string
	logLevel string
	dryRun   bool
	once     bool
	envSet   bool // --env-file given explicitly
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("otp-notifier", pflag.ContinueOnError)
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL (DEBUG, INFO, WARNING, ERROR)")
	flagSet.BoolVar(&opts.dryRun, "dry-run", false, "record OTPs without sending notifications")
	flagSet.BoolVar(&opts.once, "once", false, "run a single fetch and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	opts.envSet = flagSet.Changed("env-file")
	return opts, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	envErr := godotenv.Load(opts.envFile)
	if envErr != nil && opts.envSet {
		return fmt.Errorf("load env file: %w", envErr)
	}

	cfg := config.LoadFromEnv()
	if opts.dryRun {
		cfg.DryRun = true
	}
	if opts.logLevel != "" {
		cfg.LogLevel = strings.ToUpper(opts.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	if envErr != nil {
		logger.Info("No .env file found, using environment variables", "path", opts.envFile)
	}
	logger.Info("Configuration loaded", "summary", cfg.Summary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if opts.once {
		return a.runOnce(ctx)
	}
	return a.serve(ctx, cfg.Port)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the JSON logger, tee'd to path when set.
func newLogger(level, path string) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stdout
	closeFn := func() {}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closeFn = func() { _ = f.Close() }
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
	return logger, closeFn, nil
}

// app holds the wired components.
type app struct {
	logger      *slog.Logger
	store       *storage.Store
	gcsClient   *gcs.Client
	monitor     *poll.Monitor
	maintenance *maintenance.Runner
	server      *server.Server
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, store: store}

	sender := notify.New(logger, notify.DefaultTimeout, providers(ctx, cfg, logger)...)
	logger.Info("Notification providers configured", "providers", sender.Providers())

	clk := clock.Real()
	tracker := health.NewTracker()

	policy := session.DefaultPolicy
	policy.Attempts = uint(cfg.MaxRetries)

	machine := session.New(&session.Config{
		Factory: scraper.Factory(&scraper.Config{
			Logger:        logger,
			BaseURL:       cfg.BaseURL,
			StateDir:      cfg.StatePath,
			SnapshotDir:   cfg.SnapshotPath,
			Timeout:       30 * time.Second,
			SaveSnapshots: cfg.SaveSnapshots || cfg.Debug,
		}),
		Notifier:    sender,
		Tracker:     tracker,
		Clock:       clk,
		Logger:      logger,
		Credentials: session.Credentials{Email: cfg.Email, Password: cfg.Password},
		Policy:      policy,
	})

	a.monitor = poll.New(&poll.Config{
		Session:  machine,
		Dedup:    dedup.New(store, sender, clk, logger, cfg.DryRun),
		Notifier: sender,
		Tracker:  tracker,
		Clock:    clk,
		Logger:   logger,
		Components: map[string]poll.HealthFunc{
			"storage": store.Health,
			"notify":  func(context.Context) otp.ComponentHealth { return sender.Health() },
		},
		Interval:   cfg.PollInterval,
		RetryDelay: cfg.RetryDelay,
		DryRun:     cfg.DryRun,
	})

	maintCfg := &maintenance.Config{
		StartedAt:         clk.Now(),
		Store:             store,
		Notifier:          sender,
		Stats:             a.monitor.Statistics,
		Clock:             clk,
		Logger:            logger,
		BackupDir:         cfg.BackupDir,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RetentionDays:     cfg.RetentionDays,
	}
	if cfg.BackupBucket != "" {
		if cfg.BackupDir == "" {
			logger.Warn("BACKUP_BUCKET is set without BACKUP_DIR, backups are disabled")
		}
		client, err := gcs.NewClient(ctx)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.gcsClient = client
		maintCfg.Uploader = storage.NewBucket(client, cfg.BackupBucket, backupPrefix, logger)
	}
	a.maintenance = maintenance.New(maintCfg)

	a.server = server.New(&server.Config{
		Controller: a.monitor,
		Store:      store,
		IsNotFound: storage.IsNotFound,
		Clock:      clk,
		Logger:     logger,
		Token:      cfg.AdminToken,
	})
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin API disabled except /health")
	}
	return a, nil
}

// providers builds every configured notification channel, falling back to
// the logging mock when none is configured.
func providers(ctx context.Context, cfg *config.Config, logger *slog.Logger) []notify.Provider {
	var out []notify.Provider

	if cfg.TelegramToken != "" {
		p, err := notify.NewTelegramProvider(cfg.TelegramToken, cfg.TelegramChatIDs, "", logger)
		if err != nil {
			logger.Warn("Failed to initialize Telegram bot, Telegram notifications disabled", "error", err)
		} else {
			out = append(out, p)
		}
	}

	if cfg.FeishuAppID != "" {
		out = append(out, notify.NewFeishuProvider(cfg.FeishuAppID, cfg.FeishuAppSecret, cfg.FeishuChatIDs, logger))
	}

	if cfg.NotifyEmailTo != "" {
		svc, err := initGmailService(ctx, cfg.GoogleCredsJSON)
		if err != nil {
			logger.Warn("Failed to initialize Gmail service, email notifications disabled", "error", err)
		} else {
			out = append(out, notify.NewGmailProvider(svc, cfg.NotifyEmailTo, logger))
		}
	}

	if len(out) == 0 {
		logger.Warn("No notification channel configured, using mock provider")
		out = append(out, notify.NewMockProvider(logger))
	}
	return out
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// On Cloud Run the service account supplies Application Default Credentials.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

// serve starts the monitor and housekeeping, then serves the admin API
// until ctx is cancelled.
func (a *app) serve(ctx context.Context, port string) error {
	if err := a.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var wg sync.WaitGroup
	wg.Go(func() { a.maintenance.Run(runCtx) })

	serveErr := a.server.Serve(runCtx, port)
	if serveErr != nil {
		a.logger.Error("Server failed", "error", serveErr)
	}
	a.logger.Info("Shutting down")
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	stopErr := a.monitor.Stop(shutdownCtx)
	wg.Wait()
	return errors.Join(serveErr, stopErr)
}

// runOnce performs a single forced fetch.
func (a *app) runOnce(ctx context.Context) error {
	records, err := a.monitor.ForceFetch(ctx)
	if stopErr := a.monitor.Stop(context.WithoutCancel(ctx)); stopErr != nil {
		a.logger.Warn("Failed to close session", "error", stopErr)
	}
	if err != nil {
		return err
	}
	a.logger.Info("Single fetch completed", "new_otps", len(records))
	return nil
}

func (a *app) close() {
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("Failed to close storage client", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}
