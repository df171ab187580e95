// Package maintenance runs the periodic housekeeping jobs: heartbeat status
// messages, retention cleanup, and database backups.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"otp-notifier/clock"
	"otp-notifier/pkg/otp"
	"otp-notifier/storage"
)

const (
	// CleanupInterval is the time between retention sweeps.
	CleanupInterval = 24 * time.Hour
	// KeepBackups is how many backups survive pruning, locally and in the bucket.
	KeepBackups = 7
)

// Store is the subset of the durable store used for housekeeping.
type Store interface {
	Count(ctx context.Context) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context) error
	Backup(ctx context.Context, dest string) error
}

// Uploader copies backups off the host.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
	Prune(ctx context.Context, keep int) (int, error)
}

// Notifier receives status messages.
type Notifier interface {
	SendStatus(ctx context.Context, text string, isError bool)
}

// Config configures the housekeeping jobs. A zero HeartbeatInterval or
// RetentionDays disables the corresponding loop.
type Config struct {
	StartedAt         time.Time
	Store             Store
	Notifier          Notifier
	Uploader          Uploader // Optional
	Stats             func() otp.Statistics
	Clock             clock.Clock
	Logger            *slog.Logger
	BackupDir         string // Empty disables backups
	HeartbeatInterval time.Duration
	RetentionDays     int
}

// Runner owns the housekeeping loops.
type Runner struct {
	startedAt         time.Time
	store             Store
	notifier          Notifier
	uploader          Uploader
	stats             func() otp.Statistics
	clock             clock.Clock
	logger            *slog.Logger
	backupDir         string
	heartbeatInterval time.Duration
	retentionDays     int
}

// New creates a Runner.
func New(cfg *Config) *Runner {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = clk.Now()
	}
	return &Runner{
		startedAt:         startedAt,
		store:             cfg.Store,
		notifier:          cfg.Notifier,
		uploader:          cfg.Uploader,
		stats:             cfg.Stats,
		clock:             clk,
		logger:            cfg.Logger,
		backupDir:         cfg.BackupDir,
		heartbeatInterval: cfg.HeartbeatInterval,
		retentionDays:     cfg.RetentionDays,
	}
}

// Run starts the enabled loops and blocks until ctx is cancelled and both
// have returned.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if r.heartbeatInterval > 0 {
		wg.Go(func() {
			r.every(ctx, "heartbeat", r.heartbeatInterval, r.Heartbeat)
		})
	}
	if r.retentionDays > 0 {
		wg.Go(func() {
			r.every(ctx, "cleanup", CleanupInterval, r.Cleanup)
		})
	}
	wg.Wait()
}

// every calls job after each interval until ctx is done. Job errors are
// logged and the loop continues.
func (r *Runner) every(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) {
	r.logger.Info("Starting maintenance loop", "job", name, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Maintenance loop cancelled", "job", name)
			return
		case <-r.clock.After(interval):
		}
		if err := job(ctx); err != nil {
			r.logger.Error("Maintenance job failed", "job", name, "error", err)
		}
	}
}

// Heartbeat sends one status message with uptime and counters.
func (r *Runner) Heartbeat(ctx context.Context) error {
	count, err := r.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count otps: %w", err)
	}
	var stats otp.Statistics
	if r.stats != nil {
		stats = r.stats()
	}

	var sb strings.Builder
	state := "running"
	if !stats.Running {
		state = "stopped"
	}
	fmt.Fprintf(&sb, "💓 Heartbeat - Monitor is %s\n", state)
	fmt.Fprintf(&sb, "Uptime: %s\n", FormatUptime(r.clock.Now().Sub(r.startedAt)))
	fmt.Fprintf(&sb, "Total OTPs: %d\n", count)
	fmt.Fprintf(&sb, "Successful fetches: %d\n", stats.SuccessfulFetches)
	fmt.Fprintf(&sb, "Failed fetches: %d", stats.FailedFetches)

	r.notifier.SendStatus(ctx, sb.String(), false)
	r.logger.Info("Heartbeat sent", "total_otps", count)
	return nil
}

// Cleanup deletes records older than the retention window, vacuums when
// anything was removed, and then takes a backup.
func (r *Runner) Cleanup(ctx context.Context) error {
	cutoff := r.clock.Now().AddDate(0, 0, -r.retentionDays)
	deleted, err := r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete old otps: %w", err)
	}

	var errs []error
	if deleted > 0 {
		r.logger.Info("Cleanup deleted old OTPs", "deleted", deleted, "cutoff", cutoff)
		r.notifier.SendStatus(ctx, fmt.Sprintf("🧹 Cleanup: deleted %d old OTPs", deleted), false)
		if err := r.store.Vacuum(ctx); err != nil {
			errs = append(errs, fmt.Errorf("vacuum: %w", err))
		}
	}

	if _, err := r.Backup(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Backup writes a snapshot into the backup directory, prunes old local
// copies, and uploads the snapshot when a bucket is configured. It returns
// the local path, or "" when backups are disabled.
func (r *Runner) Backup(ctx context.Context) (string, error) {
	if r.backupDir == "" {
		return "", nil
	}

	dest := filepath.Join(r.backupDir, storage.BackupName(r.clock.Now()))
	if err := r.store.Backup(ctx, dest); err != nil {
		return "", fmt.Errorf("backup database: %w", err)
	}
	r.logger.Info("Database backup written", "path", dest)

	var errs []error
	if _, err := storage.PruneLocal(r.backupDir, KeepBackups, r.logger); err != nil {
		errs = append(errs, fmt.Errorf("prune local backups: %w", err))
	}

	if r.uploader != nil {
		if _, err := r.uploader.Upload(ctx, dest); err != nil {
			errs = append(errs, fmt.Errorf("upload backup: %w", err))
		} else if _, err := r.uploader.Prune(ctx, KeepBackups); err != nil {
			errs = append(errs, fmt.Errorf("prune bucket backups: %w", err))
		}
	}
	return dest, errors.Join(errs...)
}

// FormatUptime renders d as "1d 2h 3m", dropping zero parts. Durations
// under a minute render as "0m".
func FormatUptime(d time.Duration) string {
	d = d.Truncate(time.Minute)
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if len(parts) == 0 {
		return "0m"
	}
	return strings.Join(parts, " ")
}
