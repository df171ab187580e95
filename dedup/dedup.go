// Package dedup turns raw portal batches into the set of never-seen entries.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"otp-notifier/clock"
	"otp-notifier/pkg/otp"
)

// Store is the durable state the processor consults.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	SaveRecord(ctx context.Context, r *otp.Record) error
	MarkNotified(ctx context.Context, id string, at time.Time) error
	Watermark(ctx context.Context) (string, error)
	SetWatermark(ctx context.Context, id string) error
}

// Notifier delivers new entries downstream.
type Notifier interface {
	SendOTP(ctx context.Context, r *otp.Record)
}

// PersistenceError reports a store failure for a single entry.
type PersistenceError struct {
	Err error
	ID  string
	Op  string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError checks if an error is a per-entry store failure.
func IsPersistenceError(err error) bool {
	var pErr *PersistenceError
	return errors.As(err, &pErr)
}

// Processor deduplicates batches against the store.
type Processor struct {
	store    Store
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	dryRun   bool
}

// New creates a Processor. In dry-run mode entries are persisted but never sent.
func New(store Store, notifier Notifier, clk clock.Clock, logger *slog.Logger, dryRun bool) *Processor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Processor{store: store, notifier: notifier, clock: clk, logger: logger, dryRun: dryRun}
}

// ProcessBatch persists and dispatches every entry not already stored and
// returns those records in batch order. Per-entry store failures are logged
// and the entry is skipped so the next poll retries it; the returned error
// joins them for the caller's information only.
func (p *Processor) ProcessBatch(ctx context.Context, entries []otp.Entry) ([]*otp.Record, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	watermark, err := p.store.Watermark(ctx)
	if err != nil {
		p.logger.Warn("Failed to read watermark, checking every entry", "error", err)
		watermark = ""
	}

	var fresh []*otp.Record
	var failures []error
	seen := make(map[string]bool, len(entries))

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return fresh, err
		}
		if e.ID == "" || seen[e.ID] {
			continue
		}
		seen[e.ID] = true

		// The watermark only ever names a persisted id.
		if e.ID == watermark {
			continue
		}

		exists, err := p.store.Exists(ctx, e.ID)
		if err != nil {
			pErr := &PersistenceError{Op: "lookup", ID: e.ID, Err: err}
			p.logger.Error("Failed to check OTP, will retry next poll", "otp_id", e.ID, "error", err)
			failures = append(failures, pErr)
			continue
		}
		if exists {
			continue
		}

		r := otp.NewRecord(e, p.clock.Now())
		if err := p.store.SaveRecord(ctx, r); err != nil {
			pErr := &PersistenceError{Op: "save", ID: e.ID, Err: err}
			p.logger.Error("Failed to save OTP, will retry next poll", "otp_id", e.ID, "error", err)
			failures = append(failures, pErr)
			continue
		}
		fresh = append(fresh, r)
		p.logger.Info("New OTP captured", "otp_id", r.ID, "sender", r.Sender, "service", r.Service)

		if p.dryRun {
			p.logger.Info("Dry run, notification suppressed", "otp_id", r.ID)
			continue
		}
		p.notifier.SendOTP(ctx, r)
		at := p.clock.Now()
		if err := p.store.MarkNotified(ctx, r.ID, at); err != nil {
			p.logger.Warn("Failed to mark OTP notified", "otp_id", r.ID, "error", err)
			continue
		}
		r.NotifiedAt = &at
	}

	if len(fresh) > 0 {
		last := fresh[len(fresh)-1].ID
		if err := p.store.SetWatermark(ctx, last); err != nil {
			p.logger.Warn("Failed to update watermark", "otp_id", last, "error", err)
		}
	}

	return fresh, errors.Join(failures...)
}
