package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/splitsync/backend/internal/audit"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingMembership = errors.New("membership provider is required")
	errMissingAudit      = errors.New("audit trail is required")
	noOpLogger           = zap.NewNop()

	// ErrEntryExists indicates a create with an entry id that is already taken.
	ErrEntryExists = errors.New("ledger: entry already exists")
	// ErrForbidden indicates the actor lacks authority for the operation.
	ErrForbidden = errors.New("ledger: forbidden")
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
	opServiceNew  = "ledger.service.new"
	opCreateEntry = "ledger.create_entry"
	opGetEntry    = "ledger.get_entry"
	opListEntries = "ledger.list_entries"
	opDeleteEntry = "ledger.delete_entry"
	opAuditTrail  = "ledger.audit_trail"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// MembershipProvider answers group membership and authority questions.
type MembershipProvider interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	CreatorID(ctx context.Context, groupID string) (string, error)
}

// ServiceConfig bundles the ledger service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Members    MembershipProvider
	Audit      *audit.Service
	Logger     *zap.Logger
}

// Service owns entry and share persistence for the non-conflicting paths:
// creation, reads, and deletion. Updates flow through the conflict engine.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	members    MembershipProvider
	audit      *audit.Service
	logger     *zap.Logger
}

// NewService validates dependencies and constructs the ledger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
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

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		members:    cfg.Members,
		audit:      cfg.Audit,
		logger:     logger,
	}, nil
}

// ValidateSubmission checks structural validity and group membership of every
// user referenced by the submission. Shared by the create path and the
// conflict engine's update path.
func (s *Service) ValidateSubmission(ctx context.Context, sub Submission) error {
	if sub.Description == "" {
		return newValidationError("description is required")
	}
	if len(sub.Description) > 255 {
		return newValidationError("description exceeds 255 characters")
	}
	if sub.TotalAmount <= 0 {
		return newValidationError("total amount must be positive")
	}
	if err := ValidateShareSum(sub.TotalAmount, sub.Shares); err != nil {
		return err
	}
	if sub.PaymentStatus != "" && sub.PaymentStatus != PaymentStatusPending && sub.PaymentStatus != PaymentStatusPaid {
		return newValidationError("unknown payment status %q", sub.PaymentStatus)
	}

	payerMember, err := s.members.IsMember(ctx, sub.GroupID.String(), sub.PayerID.String())
	if err != nil {
		return err
	}
	if !payerMember {
		return newValidationError("payer %s is not a group member", sub.PayerID)
	}
	for _, share := range sub.Shares {
		isMember, err := s.members.IsMember(ctx, sub.GroupID.String(), share.ParticipantID)
		if err != nil {
			return err
		}
		if !isMember {
			return newValidationError("participant %s is not a group member", share.ParticipantID)
		}
	}
	return nil
}

// RequireMember resolves ErrForbidden for actors outside the group.
func (s *Service) RequireMember(ctx context.Context, groupID, actorID string) error {
	isMember, err := s.members.IsMember(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrForbidden
	}
	return nil
}

// Create persists a new entry with its shares. The entry id may be supplied
// by an offline client; a collision reports ErrEntryExists so the client can
// retry through the update path.
func (s *Service) Create(ctx context.Context, sub Submission, actorID UserID) (EntryWithShares, error) {
	if err := s.RequireMember(ctx, sub.GroupID.String(), actorID.String()); err != nil {
		return EntryWithShares{}, err
	}
	if err := s.ValidateSubmission(ctx, sub); err != nil {
		return EntryWithShares{}, err
	}

	entryID := sub.EntryID.String()
	if entryID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateEntry, "id_generation_failed", err)
			return EntryWithShares{}, newServiceError(opCreateEntry, "id_generation_failed", err)
		}
		entryID = generated
	}

	now := s.clock().UTC().Unix()
	modifiedAt := sub.ClientModifiedSeconds
	if modifiedAt <= 0 {
		modifiedAt = now
	}
	status := sub.PaymentStatus
	if status == "" {
		status = PaymentStatusPending
	}

	entry := Entry{
		EntryID:             entryID,
		GroupID:             sub.GroupID.String(),
		Description:         sub.Description,
		TotalAmount:         sub.TotalAmount,
		PayerID:             sub.PayerID.String(),
		PaymentStatus:       status,
		SplitTag:            sub.SplitTag,
		CreatedAtSeconds:    now,
		LastModifiedSeconds: modifiedAt,
		LastModifiedBy:      actorID.String(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := FindEntry(tx, entryID); err == nil {
			return ErrEntryExists
		} else if !errors.Is(err, ErrEntryNotFound) {
			return newServiceError(opCreateEntry, "entry_lookup_failed", err)
		}

		if err := tx.Create(&entry).Error; err != nil {
			return newServiceError(opCreateEntry, "entry_insert_failed", err)
		}
		if err := ReplaceShares(tx, entryID, sub.Shares, now); err != nil {
			return newServiceError(opCreateEntry, "share_insert_failed", err)
		}
		shares, err := LoadShares(tx, entryID)
		if err != nil {
			return newServiceError(opCreateEntry, "share_load_failed", err)
		}
		detail := CaptureSnapshot(entry, shares)
		if err := s.audit.Append(tx, entryID, audit.ActionCreation, detail, actorID.String()); err != nil {
			return newServiceError(opCreateEntry, "audit_append_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateEntry, "transaction_failed", txErr, zap.String("entry_id", entryID))
		return EntryWithShares{}, txErr
	}

	return s.Get(ctx, EntryID(entryID), actorID)
}

// Get loads an entry with shares; the actor must belong to the entry's group.
func (s *Service) Get(ctx context.Context, entryID EntryID, actorID UserID) (EntryWithShares, error) {
	db := s.db.WithContext(ctx)
	entry, err := FindEntry(db, entryID.String())
	if err != nil {
		return EntryWithShares{}, err
	}
	if err := s.RequireMember(ctx, entry.GroupID, actorID.String()); err != nil {
		return EntryWithShares{}, err
	}
	shares, err := LoadShares(db, entryID.String())
	if err != nil {
		s.logError(opGetEntry, "share_load_failed", err, zap.String("entry_id", entryID.String()))
		return EntryWithShares{}, newServiceError(opGetEntry, "share_load_failed", err)
	}
	return EntryWithShares{Entry: entry, Shares: shares}, nil
}

// ListByGroup returns the group's entries newest-modified first.
func (s *Service) ListByGroup(ctx context.Context, groupID GroupID, actorID UserID) ([]EntryWithShares, error) {
	if err := s.RequireMember(ctx, groupID.String(), actorID.String()); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	var entries []Entry
	if err := db.Where("group_id = ?", groupID.String()).
		Order("last_modified_s DESC").
		Find(&entries).Error; err != nil {
		s.logError(opListEntries, "query_failed", err, zap.String("group_id", groupID.String()))
		return nil, newServiceError(opListEntries, "query_failed", err)
	}

	result := make([]EntryWithShares, 0, len(entries))
	for _, entry := range entries {
		shares, err := LoadShares(db, entry.EntryID)
		if err != nil {
			s.logError(opListEntries, "share_load_failed", err, zap.String("entry_id", entry.EntryID))
			return nil, newServiceError(opListEntries, "share_load_failed", err)
		}
		result = append(result, EntryWithShares{Entry: entry, Shares: shares})
	}
	return result, nil
}

// Delete removes an entry and its shares. Only the payer or the group creator
// may delete. Audit rows are retained: a final deletion record is appended
// and the existing trail stays in place.
func (s *Service) Delete(ctx context.Context, entryID EntryID, actorID UserID) error {
	// The creator lookup queries through the membership provider's own
	// handle and must not run while the transaction below holds the single
	// pooled connection.
	preflight, err := FindEntry(s.db.WithContext(ctx), entryID.String())
	if err != nil {
		return err
	}
	creatorID, err := s.members.CreatorID(ctx, preflight.GroupID)
	if err != nil {
		s.logError(opDeleteEntry, "creator_lookup_failed", err, zap.String("entry_id", entryID.String()))
		return newServiceError(opDeleteEntry, "creator_lookup_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := LockEntry(tx, entryID.String())
		if err != nil {
			return err
		}
		if entry.PayerID != actorID.String() && creatorID != actorID.String() {
			return ErrForbidden
		}

		shares, err := LoadShares(tx, entryID.String())
		if err != nil {
			return newServiceError(opDeleteEntry, "share_load_failed", err)
		}
		detail := CaptureSnapshot(entry, shares)

		if err := tx.Where("entry_id = ?", entryID.String()).Delete(&Share{}).Error; err != nil {
			return newServiceError(opDeleteEntry, "share_delete_failed", err)
		}
		if err := tx.Where("entry_id = ?", entryID.String()).Delete(&Entry{}).Error; err != nil {
			return newServiceError(opDeleteEntry, "entry_delete_failed", err)
		}
		if err := s.audit.Append(tx, entryID.String(), audit.ActionDeletion, detail, actorID.String()); err != nil {
			return newServiceError(opDeleteEntry, "audit_append_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opDeleteEntry, "transaction_failed", txErr, zap.String("entry_id", entryID.String()))
	}
	return txErr
}

// Trail returns the audit history of an entry, newest first. Membership is
// checked against the live entry when it still exists; trails of deleted
// entries remain readable to any authenticated caller since the owning group
// can no longer be resolved.
func (s *Service) Trail(ctx context.Context, entryID EntryID, actorID UserID) ([]audit.Record, error) {
	entry, err := FindEntry(s.db.WithContext(ctx), entryID.String())
	if err == nil {
		if err := s.RequireMember(ctx, entry.GroupID, actorID.String()); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, ErrEntryNotFound) {
		return nil, newServiceError(opAuditTrail, "entry_lookup_failed", err)
	}

	records, err := s.audit.ListForEntry(ctx, entryID.String())
	if err != nil {
		s.logError(opAuditTrail, "query_failed", err, zap.String("entry_id", entryID.String()))
		return nil, newServiceError(opAuditTrail, "query_failed", err)
	}
	if len(records) == 0 {
		return nil, ErrEntryNotFound
	}
	return records, nil
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
	s.logger.Error("ledger service error", attrs...)
}
