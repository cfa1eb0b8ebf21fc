package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/splitsync/backend/internal/audit"
	"github.com/splitsync/backend/internal/ledger"
	"github.com/splitsync/backend/internal/metrics"
	"github.com/splitsync/backend/internal/notify"
)

const (
	opWorkerNew = "conflict.worker.new"
	opSweep     = "conflict.worker.sweep"

	resolutionModeAuto  = "auto"
	resolutionModeError = "error"

	defaultGrace         = 48 * time.Hour
	defaultSweepInterval = time.Hour
	defaultMaxAttempts   = 5

	autoResolvedBySystem = "system"
)

// WorkerConfig bundles the escalation worker dependencies.
type WorkerConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	Members     MembershipProvider
	Audit       *audit.Service
	Notifier    Notifier
	Logger      *zap.Logger
	Grace       time.Duration
	Interval    time.Duration
	MaxAttempts int
}

// Worker periodically sweeps pending conflicts: it reminds the involved
// parties once, auto-resolves records older than the grace period in favor of
// the group creator's stored version, and parks records that keep failing in
// the error state so they stop consuming sweeps.
type Worker struct {
	db          *gorm.DB
	clock       func() time.Time
	members     MembershipProvider
	audit       *audit.Service
	notifier    Notifier
	logger      *zap.Logger
	grace       time.Duration
	interval    time.Duration
	maxAttempts int
}

// NewWorker validates dependencies and constructs the escalation worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opWorkerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Members == nil {
		return nil, newServiceError(opWorkerNew, "missing_membership_provider", errMissingMembership)
	}
	if cfg.Audit == nil {
		return nil, newServiceError(opWorkerNew, "missing_audit", errMissingAudit)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Worker{
		db:          cfg.Database,
		clock:       clock,
		members:     cfg.Members,
		audit:       cfg.Audit,
		notifier:    cfg.Notifier,
		logger:      logger,
		grace:       grace,
		interval:    interval,
		maxAttempts: maxAttempts,
	}, nil
}

// Run sweeps on a fixed interval until the context is canceled. The first
// sweep happens immediately so restarts do not delay overdue escalations.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("escalation worker started",
		zap.Duration("interval", w.interval),
		zap.Duration("grace", w.grace))

	if err := w.SweepOnce(ctx); err != nil {
		w.logger.Error("escalation sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("escalation worker stopped")
			return
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				w.logger.Error("escalation sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce processes every pending conflict exactly once. Individual record
// failures are counted against the record and never abort the sweep.
func (w *Worker) SweepOnce(ctx context.Context) error {
	metrics.SweepRuns.Inc()

	var pending []Record
	err := w.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("detected_at_s ASC").
		Find(&pending).Error
	if err != nil {
		return newServiceError(opSweep, "query_failed", err)
	}

	for _, record := range pending {
		if err := w.processRecord(ctx, record); err != nil {
			metrics.SweepRecordFailures.Inc()
			w.logger.Error("pending conflict processing failed",
				zap.String("conflict_id", record.ConflictID),
				zap.Error(err))
			w.recordFailure(ctx, record.ConflictID)
		}
	}
	return nil
}

// processRecord escalates one pending conflict under its row lock. The
// timeout authority is resolved up front: the membership provider queries
// through its own handle and must not run while the transaction holds the
// single pooled connection.
func (w *Worker) processRecord(ctx context.Context, listed Record) error {
	now := w.clock().UTC()
	deadline := listed.DetectedAtSeconds + int64(w.grace/time.Second)
	overdue := now.Unix() >= deadline

	resolvedBy := autoResolvedBySystem
	if overdue {
		entry, err := ledger.FindEntry(w.db.WithContext(ctx), listed.EntryID)
		if err == nil {
			creatorID, err := w.members.CreatorID(ctx, entry.GroupID)
			if err != nil {
				return newServiceError(opSweep, "creator_lookup_failed", err)
			}
			resolvedBy = creatorID
		} else if !errors.Is(err, ledger.ErrEntryNotFound) {
			return newServiceError(opSweep, "entry_lookup_failed", err)
		}
	}

	var escalated *Record
	var reminder *Record

	txErr := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockRecord(tx, listed.ConflictID)
		if errors.Is(err, ErrConflictNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if record.Status.Terminal() {
			return nil
		}

		if overdue {
			if err := w.autoResolve(tx, &record, resolvedBy, now); err != nil {
				return err
			}
			escalated = &record
			return nil
		}

		if record.NotifiedAtSeconds == 0 {
			record.NotifiedAtSeconds = now.Unix()
			if err := tx.Save(&record).Error; err != nil {
				return newServiceError(opSweep, "record_save_failed", err)
			}
			reminder = &record
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	if escalated != nil {
		metrics.ConflictsResolved.WithLabelValues(resolutionModeAuto).Inc()
		w.logger.Info("conflict auto-resolved after grace period",
			zap.String("conflict_id", escalated.ConflictID),
			zap.String("entry_id", escalated.EntryID),
			zap.String("resolved_by", escalated.ResolvedBy))
		w.notifyParties(ctx, *escalated, notify.KindConflictResolved,
			fmt.Sprintf("conflict on entry %s timed out and was auto-resolved", escalated.EntryID))
	}
	if reminder != nil {
		w.notifyParties(ctx, *reminder, notify.KindConflictPending,
			fmt.Sprintf("conflict on entry %s is awaiting your input", reminder.EntryID))
	}
	return nil
}

// autoResolve closes an overdue record in favor of the stored server version.
// The winning authority is the group creator, resolved by the caller; the
// entry itself already holds the server state, so nothing on it is rewritten.
func (w *Worker) autoResolve(tx *gorm.DB, record *Record, resolvedBy string, now time.Time) error {
	serverVersion, err := record.ServerSnapshot()
	if err != nil {
		return newServiceError(opSweep, "server_version_decode_failed", err)
	}

	record.Status = StatusAutoResolved
	record.ResolvedAtSeconds = now.Unix()
	record.ResolvedBy = resolvedBy
	record.ResolutionJSON = mustEncode(serverVersion)
	if err := tx.Save(record).Error; err != nil {
		return newServiceError(opSweep, "record_save_failed", err)
	}

	detail := map[string]interface{}{
		"conflict_id": record.ConflictID,
		"strategy":    "timeout",
		"resolution":  serverVersion,
	}
	if err := w.audit.Append(tx, record.EntryID, audit.ActionConflictResolved, detail, resolvedBy); err != nil {
		return newServiceError(opSweep, "audit_append_failed", err)
	}
	return nil
}

// recordFailure charges one processing failure against the record. Crossing
// the attempt ceiling parks it in the error state for manual inspection.
func (w *Worker) recordFailure(ctx context.Context, conflictID string) {
	txErr := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockRecord(tx, conflictID)
		if errors.Is(err, ErrConflictNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if record.Status.Terminal() {
			return nil
		}

		record.Attempts++
		if record.Attempts >= w.maxAttempts {
			record.Status = StatusError
			record.ResolvedAtSeconds = w.clock().UTC().Unix()
			record.ResolvedBy = autoResolvedBySystem
		}
		if err := tx.Save(&record).Error; err != nil {
			return err
		}
		if record.Status == StatusError {
			metrics.ConflictsResolved.WithLabelValues(resolutionModeError).Inc()
			w.logger.Error("conflict parked in error state after repeated failures",
				zap.String("conflict_id", record.ConflictID),
				zap.Int("attempts", record.Attempts))
		}
		return nil
	})
	if txErr != nil {
		w.logger.Error("failure bookkeeping failed",
			zap.String("conflict_id", conflictID),
			zap.Error(txErr))
	}
}

// notifyParties reaches the conflict parties and, while the entry still
// exists, every member of its group. Failures are logged and ignored.
func (w *Worker) notifyParties(ctx context.Context, record Record, kind, body string) {
	if w.notifier == nil {
		return
	}

	recipients := []string{record.CreatorID, record.RaisedBy}
	entry, err := ledger.FindEntry(w.db.WithContext(ctx), record.EntryID)
	if err == nil {
		if memberIDs, err := w.members.MemberIDs(ctx, entry.GroupID); err == nil {
			recipients = append(recipients, memberIDs...)
		}
	}

	message := notify.Message{
		Kind:       kind,
		ConflictID: record.ConflictID,
		EntryID:    record.EntryID,
		Body:       body,
		Timestamp:  w.clock().UTC(),
	}
	for _, userID := range dedupe(recipients...) {
		if err := w.notifier.Notify(ctx, userID, message); err != nil {
			w.logger.Warn("escalation notification failed",
				zap.String("conflict_id", record.ConflictID),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
}
