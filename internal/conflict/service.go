package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/splitsync/backend/internal/audit"
	"github.com/splitsync/backend/internal/ledger"
	"github.com/splitsync/backend/internal/metrics"
	"github.com/splitsync/backend/internal/notify"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingLedger     = errors.New("ledger service is required")
	errMissingMembership = errors.New("membership provider is required")
	errMissingAudit      = errors.New("audit trail is required")
	noOpLogger           = zap.NewNop()

	// ErrConflictNotFound indicates the referenced conflict record does not exist.
	ErrConflictNotFound = errors.New("conflict: record not found")
	// ErrForbidden indicates the actor lacks authority to resolve or vote.
	ErrForbidden = errors.New("conflict: forbidden")
	// ErrAlreadyResolved indicates an idempotent re-resolution attempt on a
	// terminal record. The record is left untouched.
	ErrAlreadyResolved = errors.New("conflict: already resolved")
	// ErrNotParticipant indicates the actor holds no share of the entry.
	ErrNotParticipant = errors.New("conflict: actor is not a participant")
	// ErrShareAlreadyPaid indicates the actor's share was settled before.
	ErrShareAlreadyPaid = errors.New("conflict: share already marked paid")
)

// ServiceError wraps a failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "conflict.service.new"
	opSubmitUpdate  = "conflict.submit_update"
	opMarkSharePaid = "conflict.mark_share_paid"
	opSubmitBatch   = "conflict.submit_batch"
	opListPending   = "conflict.list_pending"
	opGetRecord     = "conflict.get_record"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for conflict records.
type IDProvider interface {
	NewID() (string, error)
}

// Notifier delivers best-effort notifications to involved users. Delivery
// failures are the notifier's problem; the conflict engine never rolls back
// on them.
type Notifier interface {
	Notify(ctx context.Context, userID string, message notify.Message) error
}

// MembershipProvider answers group membership and authority questions.
type MembershipProvider interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	CreatorID(ctx context.Context, groupID string) (string, error)
	MemberIDs(ctx context.Context, groupID string) ([]string, error)
}

// ServiceConfig bundles the conflict engine dependencies.
type ServiceConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	IDProvider        IDProvider
	Ledger            *ledger.Service
	Members           MembershipProvider
	Audit             *audit.Service
	Notifier          Notifier
	Logger            *zap.Logger
	ConcurrencyWindow time.Duration
	PaymentWindow     time.Duration
}

// Service is the synchronous half of the conflict engine: it runs detection
// inside the update and payment paths, persists divergences, and guarantees
// at most one pending record per entry.
type Service struct {
	db                *gorm.DB
	clock             func() time.Time
	idProvider        IDProvider
	ledger            *ledger.Service
	members           MembershipProvider
	audit             *audit.Service
	notifier          Notifier
	logger            *zap.Logger
	concurrencyWindow time.Duration
	paymentWindow     time.Duration
}

const (
	defaultConcurrencyWindow = 5 * time.Minute
	defaultPaymentWindow     = time.Hour
)

// NewService validates dependencies and constructs the conflict engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Members == nil {
		return nil, newServiceError(opServiceNew, "missing_membership_provider", errMissingMembership)
	}
	if cfg.Audit == nil {
		return nil, newServiceError(opServiceNew, "missing_audit", errMissingAudit)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	concurrencyWindow := cfg.ConcurrencyWindow
	if concurrencyWindow <= 0 {
		concurrencyWindow = defaultConcurrencyWindow
	}
	paymentWindow := cfg.PaymentWindow
	if paymentWindow <= 0 {
		paymentWindow = defaultPaymentWindow
	}

	return &Service{
		db:                cfg.Database,
		clock:             clock,
		idProvider:        cfg.IDProvider,
		ledger:            cfg.Ledger,
		members:           cfg.Members,
		audit:             cfg.Audit,
		notifier:          cfg.Notifier,
		logger:            logger,
		concurrencyWindow: concurrencyWindow,
		paymentWindow:     paymentWindow,
	}, nil
}

// SubmitResult reports the outcome of an update submission. Exactly one of
// Applied or Conflict is set.
type SubmitResult struct {
	Applied        *ledger.EntryWithShares
	Conflict       *Record
	AlreadyPending bool
}

// SubmitUpdate applies a client-submitted entry state or, when it diverges,
// persists a conflict record and rejects the submission. Detection, the
// pending-record check, and the write are serialized on the entry row.
func (s *Service) SubmitUpdate(ctx context.Context, sub ledger.Submission, actorID ledger.UserID) (SubmitResult, error) {
	// Membership and validation queries go through the group service's own
	// handle; with a single pooled connection they must finish before the
	// transaction below takes it.
	preflight, err := ledger.FindEntry(s.db.WithContext(ctx), sub.EntryID.String())
	if err != nil {
		return SubmitResult{}, err
	}
	if err := s.ledger.RequireMember(ctx, preflight.GroupID, actorID.String()); err != nil {
		return SubmitResult{}, err
	}
	subWithGroup := sub
	subWithGroup.GroupID = ledger.GroupID(preflight.GroupID)
	if err := s.ledger.ValidateSubmission(ctx, subWithGroup); err != nil {
		return SubmitResult{}, err
	}

	var result SubmitResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := ledger.LockEntry(tx, sub.EntryID.String())
		if err != nil {
			return err
		}

		shares, err := ledger.LoadShares(tx, entry.EntryID)
		if err != nil {
			return newServiceError(opSubmitUpdate, "share_load_failed", err)
		}

		now := s.clock().UTC()
		outcome := DetectUpdate(entry, shares, subWithGroup, actorID.String(), now, s.concurrencyWindow)
		if !outcome.Conflicting {
			applied, err := s.applySubmission(tx, &entry, shares, subWithGroup, actorID.String(), now)
			if err != nil {
				return err
			}
			result.Applied = applied
			return nil
		}

		record, alreadyPending, err := s.raiseConflict(ctx, tx, entry, shares, subWithGroup, actorID.String(), outcome.Classification, now)
		if err != nil {
			return err
		}
		result.Conflict = record
		result.AlreadyPending = alreadyPending
		return nil
	})
	if txErr != nil {
		s.logError(opSubmitUpdate, "transaction_failed", txErr, zap.String("entry_id", sub.EntryID.String()))
		return SubmitResult{}, txErr
	}
	return result, nil
}

// applySubmission overwrites the entry with the accepted client state. The
// entry's last_modified keeps advancing monotonically: a stale-but-accepted
// timestamp (same-user resubmission) is bumped to the server clock.
func (s *Service) applySubmission(tx *gorm.DB, entry *ledger.Entry, priorShares []ledger.Share, sub ledger.Submission, actorID string, now time.Time) (*ledger.EntryWithShares, error) {
	before := ledger.CaptureSnapshot(*entry, priorShares)

	appliedAt := sub.ClientModifiedSeconds
	if appliedAt <= entry.LastModifiedSeconds {
		appliedAt = now.Unix()
	}
	if err := ledger.ApplySnapshot(tx, entry, sub.Snapshot(), actorID, appliedAt); err != nil {
		return nil, err
	}

	shares, err := ledger.LoadShares(tx, entry.EntryID)
	if err != nil {
		return nil, newServiceError(opSubmitUpdate, "share_load_failed", err)
	}
	detail := map[string]interface{}{
		"before": before,
		"after":  ledger.CaptureSnapshot(*entry, shares),
	}
	if err := s.audit.Append(tx, entry.EntryID, audit.ActionModification, detail, actorID); err != nil {
		return nil, newServiceError(opSubmitUpdate, "audit_append_failed", err)
	}
	return &ledger.EntryWithShares{Entry: *entry, Shares: shares}, nil
}

// raiseConflict persists a new conflict record unless one is already pending
// for the entry, in which case the existing record is returned unchanged.
func (s *Service) raiseConflict(ctx context.Context, tx *gorm.DB, entry ledger.Entry, shares []ledger.Share, sub ledger.Submission, actorID string, classification Classification, now time.Time) (*Record, bool, error) {
	existing, err := findPendingForEntry(tx, entry.EntryID)
	if err == nil {
		return &existing, true, nil
	}
	if !errors.Is(err, ErrConflictNotFound) {
		return nil, false, newServiceError(opSubmitUpdate, "pending_lookup_failed", err)
	}

	conflictID, err := s.idProvider.NewID()
	if err != nil {
		return nil, false, newServiceError(opSubmitUpdate, "id_generation_failed", err)
	}

	serverVersion := ledger.CaptureSnapshot(entry, shares)
	clientVersion := sub.Snapshot()
	record := Record{
		ConflictID:        conflictID,
		EntryID:           entry.EntryID,
		Classification:    classification,
		Status:            StatusPending,
		VersionServerJSON: mustEncode(serverVersion),
		VersionClientJSON: mustEncode(clientVersion),
		CreatorID:         entry.PayerID,
		RaisedBy:          actorID,
		DetectedAtSeconds: now.Unix(),
	}
	if err := tx.Create(&record).Error; err != nil {
		return nil, false, newServiceError(opSubmitUpdate, "record_insert_failed", err)
	}

	detail := map[string]interface{}{
		"conflict_id":    conflictID,
		"classification": classification,
		"server_version": serverVersion,
		"client_version": clientVersion,
	}
	if err := s.audit.Append(tx, entry.EntryID, audit.ActionConflictDetected, detail, actorID); err != nil {
		return nil, false, newServiceError(opSubmitUpdate, "audit_append_failed", err)
	}

	metrics.ConflictsDetected.WithLabelValues(string(classification)).Inc()
	s.logger.Info("conflict detected",
		zap.String("conflict_id", conflictID),
		zap.String("entry_id", entry.EntryID),
		zap.String("classification", string(classification)),
		zap.String("raised_by", actorID))
	return &record, false, nil
}

// MarkSharePaid settles the actor's share of the entry. A recent payment by
// another participant raises a payment-claim conflict instead.
func (s *Service) MarkSharePaid(ctx context.Context, entryID ledger.EntryID, actorID ledger.UserID) (SubmitResult, error) {
	var result SubmitResult

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := ledger.LockEntry(tx, entryID.String())
		if err != nil {
			return err
		}
		shares, err := ledger.LoadShares(tx, entry.EntryID)
		if err != nil {
			return newServiceError(opMarkSharePaid, "share_load_failed", err)
		}

		var actorShare *ledger.Share
		for index := range shares {
			if shares[index].ParticipantID == actorID.String() {
				actorShare = &shares[index]
				break
			}
		}
		if actorShare == nil {
			return ErrNotParticipant
		}
		if actorShare.Paid {
			return ErrShareAlreadyPaid
		}

		now := s.clock().UTC()
		if DetectPaymentClaim(shares, actorID.String(), now, s.paymentWindow) {
			claimed := ledger.CaptureSnapshot(entry, shares)
			for index := range claimed.Shares {
				if claimed.Shares[index].ParticipantID == actorID.String() {
					claimed.Shares[index].Paid = true
				}
			}
			sub := submissionFromSnapshot(entry, claimed, now)
			record, alreadyPending, err := s.raiseConflict(ctx, tx, entry, shares, sub, actorID.String(), ClassPaymentClaim, now)
			if err != nil {
				return err
			}
			result.Conflict = record
			result.AlreadyPending = alreadyPending
			return nil
		}

		actorShare.Paid = true
		actorShare.PaidAtSeconds = now.Unix()
		if err := tx.Save(actorShare).Error; err != nil {
			return newServiceError(opMarkSharePaid, "share_save_failed", err)
		}

		allPaid := true
		for _, share := range shares {
			if !share.Paid {
				allPaid = false
				break
			}
		}
		if allPaid {
			entry.PaymentStatus = ledger.PaymentStatusPaid
		}
		if err := ledger.TouchEntry(tx, &entry, actorID.String(), now.Unix()); err != nil {
			return newServiceError(opMarkSharePaid, "entry_save_failed", err)
		}

		detail := map[string]interface{}{
			"participant_id": actorID.String(),
			"paid_at_s":      actorShare.PaidAtSeconds,
			"entry_settled":  allPaid,
		}
		if err := s.audit.Append(tx, entry.EntryID, audit.ActionPaymentMarked, detail, actorID.String()); err != nil {
			return newServiceError(opMarkSharePaid, "audit_append_failed", err)
		}

		result.Applied = &ledger.EntryWithShares{Entry: entry, Shares: shares}
		return nil
	})
	if txErr != nil {
		s.logError(opMarkSharePaid, "transaction_failed", txErr, zap.String("entry_id", entryID.String()))
		return SubmitResult{}, txErr
	}
	return result, nil
}

// BatchAction enumerates the offline actions a client replays during sync.
type BatchAction string

const (
	// BatchActionCreate replays an offline creation.
	BatchActionCreate BatchAction = "create"
	// BatchActionUpdate replays an offline modification.
	BatchActionUpdate BatchAction = "update"
	// BatchActionDelete replays an offline deletion.
	BatchActionDelete BatchAction = "delete"
)

// BatchItem is one offline action with its submitted entry state.
type BatchItem struct {
	Action     BatchAction
	Submission ledger.Submission
}

// BatchOutcome reports how one batch item was processed.
type BatchOutcome struct {
	EntryID    string
	Status     string
	ConflictID string
	Message    string
	Entry      *ledger.EntryWithShares
}

// Batch outcome status values.
const (
	BatchStatusCreated        = "created"
	BatchStatusUpdated        = "updated"
	BatchStatusDeleted        = "deleted"
	BatchStatusAlreadyDeleted = "already_deleted"
	BatchStatusConflict       = "conflict"
	BatchStatusError          = "error"
)

// SubmitBatch replays a list of offline actions. Items are independent: a
// failure or conflict on one never aborts the others. A "create" whose entry
// id already exists is retried as an update, since offline retries and
// double-sends are indistinguishable from genuine creations.
func (s *Service) SubmitBatch(ctx context.Context, items []BatchItem, actorID ledger.UserID) []BatchOutcome {
	outcomes := make([]BatchOutcome, 0, len(items))
	for _, item := range items {
		outcome := s.processBatchItem(ctx, item, actorID)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (s *Service) processBatchItem(ctx context.Context, item BatchItem, actorID ledger.UserID) BatchOutcome {
	entryID := item.Submission.EntryID.String()
	outcome := BatchOutcome{EntryID: entryID}

	switch item.Action {
	case BatchActionCreate:
		created, err := s.ledger.Create(ctx, item.Submission, actorID)
		if errors.Is(err, ledger.ErrEntryExists) {
			return s.batchUpdate(ctx, item, actorID)
		}
		if err != nil {
			outcome.Status = BatchStatusError
			outcome.Message = err.Error()
			return outcome
		}
		outcome.Status = BatchStatusCreated
		outcome.Entry = &created
		return outcome

	case BatchActionUpdate:
		return s.batchUpdate(ctx, item, actorID)

	case BatchActionDelete:
		err := s.ledger.Delete(ctx, item.Submission.EntryID, actorID)
		if errors.Is(err, ledger.ErrEntryNotFound) {
			outcome.Status = BatchStatusAlreadyDeleted
			return outcome
		}
		if err != nil {
			outcome.Status = BatchStatusError
			outcome.Message = err.Error()
			return outcome
		}
		outcome.Status = BatchStatusDeleted
		return outcome

	default:
		outcome.Status = BatchStatusError
		outcome.Message = fmt.Sprintf("unknown batch action %q", item.Action)
		return outcome
	}
}

func (s *Service) batchUpdate(ctx context.Context, item BatchItem, actorID ledger.UserID) BatchOutcome {
	entryID := item.Submission.EntryID.String()
	outcome := BatchOutcome{EntryID: entryID}

	result, err := s.SubmitUpdate(ctx, item.Submission, actorID)
	if err != nil {
		outcome.Status = BatchStatusError
		outcome.Message = err.Error()
		return outcome
	}
	if result.Conflict != nil {
		outcome.Status = BatchStatusConflict
		outcome.ConflictID = result.Conflict.ConflictID
		if result.AlreadyPending {
			outcome.Message = "a pending conflict already exists for this entry"
		}
		return outcome
	}
	outcome.Status = BatchStatusUpdated
	outcome.Entry = result.Applied
	return outcome
}

// ListPending returns unresolved conflicts the actor is involved in: as the
// entry's payer, the conflict raiser, the group creator, or a group member.
func (s *Service) ListPending(ctx context.Context, actorID ledger.UserID) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("detected_at_s DESC").
		Find(&records).Error
	if err != nil {
		s.logError(opListPending, "query_failed", err)
		return nil, newServiceError(opListPending, "query_failed", err)
	}

	visible := make([]Record, 0, len(records))
	for _, record := range records {
		involved, err := s.isInvolved(ctx, record, actorID.String())
		if err != nil {
			s.logError(opListPending, "involvement_check_failed", err, zap.String("conflict_id", record.ConflictID))
			return nil, newServiceError(opListPending, "involvement_check_failed", err)
		}
		if involved {
			visible = append(visible, record)
		}
	}
	return visible, nil
}

// GetRecord loads one conflict. Any member of the entry's group may view.
func (s *Service) GetRecord(ctx context.Context, conflictID string, actorID ledger.UserID) (Record, error) {
	record, err := findRecord(s.db.WithContext(ctx), conflictID)
	if err != nil {
		return Record{}, err
	}
	involved, err := s.isInvolved(ctx, record, actorID.String())
	if err != nil {
		s.logError(opGetRecord, "involvement_check_failed", err, zap.String("conflict_id", conflictID))
		return Record{}, newServiceError(opGetRecord, "involvement_check_failed", err)
	}
	if !involved {
		return Record{}, ErrForbidden
	}
	return record, nil
}

func (s *Service) isInvolved(ctx context.Context, record Record, userID string) (bool, error) {
	if record.CreatorID == userID || record.RaisedBy == userID {
		return true, nil
	}
	entry, err := ledger.FindEntry(s.db.WithContext(ctx), record.EntryID)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.members.IsMember(ctx, entry.GroupID, userID)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("conflict service error", attrs...)
}

// findPendingForEntry loads the single pending record for an entry, if any.
func findPendingForEntry(tx *gorm.DB, entryID string) (Record, error) {
	var record Record
	err := tx.Where("entry_id = ? AND status = ?", entryID, StatusPending).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrConflictNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// findRecord loads a conflict by id.
func findRecord(tx *gorm.DB, conflictID string) (Record, error) {
	var record Record
	err := tx.Where("conflict_id = ?", conflictID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrConflictNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// lockRecord loads a conflict under a row lock for resolution.
func lockRecord(tx *gorm.DB, conflictID string) (Record, error) {
	var record Record
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("conflict_id = ?", conflictID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrConflictNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// submissionFromSnapshot rebuilds a submission shape from a snapshot so the
// payment path can reuse the conflict bookkeeping.
func submissionFromSnapshot(entry ledger.Entry, snapshot ledger.VersionSnapshot, now time.Time) ledger.Submission {
	return ledger.Submission{
		EntryID:               ledger.EntryID(entry.EntryID),
		GroupID:               ledger.GroupID(entry.GroupID),
		Description:           snapshot.Description,
		TotalAmount:           snapshot.TotalAmount,
		PayerID:               ledger.UserID(snapshot.PayerID),
		PaymentStatus:         snapshot.PaymentStatus,
		SplitTag:              snapshot.SplitTag,
		Shares:                snapshot.Shares,
		ClientModifiedSeconds: now.Unix(),
	}
}
