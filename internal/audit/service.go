package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// IDProvider issues identifiers for audit records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for the audit trail.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// Service appends to and reads the append-only audit trail. Append runs
// inside the caller's transaction so audit rows commit or roll back together
// with the mutation they describe.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
}

// NewService constructs the audit trail service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("audit: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("audit: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
	}, nil
}

// Append inserts one audit record using the provided transaction handle.
// The detail value is serialized to JSON as the record's payload.
func (s *Service) Append(tx *gorm.DB, entryID string, action Action, detail interface{}, actorID string) error {
	if tx == nil {
		tx = s.db
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("audit: encode detail: %w", err)
	}
	auditID, err := s.idProvider.NewID()
	if err != nil {
		return fmt.Errorf("audit: id generation: %w", err)
	}
	record := Record{
		AuditID:           auditID,
		EntryID:           entryID,
		Action:            action,
		DetailJSON:        string(detailJSON),
		ActorID:           actorID,
		RecordedAtSeconds: s.clock().UTC().Unix(),
	}
	return tx.Create(&record).Error
}

// ListForEntry returns the audit trail for one entry, newest first.
func (s *Service) ListForEntry(ctx context.Context, entryID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Order("recorded_at_s DESC, audit_id DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
