package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/splitsync/backend/internal/audit"
	"github.com/splitsync/backend/internal/group"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&group.Group{}, &group.Membership{}, &Entry{}, &Share{}, &audit.Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	groups, err := group.NewService(group.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build group service: %v", err)
	}
	auditService, err := audit.NewService(audit.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build audit service: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: NewUUIDProvider(),
		Members:    groups,
		Audit:      auditService,
	})
	if err != nil {
		t.Fatalf("failed to build ledger service: %v", err)
	}

	ctx := context.Background()
	if _, err := groups.CreateGroup(ctx, "group-1", "Trip", "user-1"); err != nil {
		t.Fatalf("failed to create group: %v", err)
	}
	if err := groups.AddMember(ctx, "group-1", "user-2"); err != nil {
		t.Fatalf("failed to add member: %v", err)
	}
	return service, db
}

func dinnerSubmission() Submission {
	return Submission{
		EntryID:     "entry-1",
		GroupID:     "group-1",
		Description: "Dinner",
		TotalAmount: 100.00,
		PayerID:     "user-1",
		Shares: []ShareAmount{
			{ParticipantID: "user-1", Amount: 50.00},
			{ParticipantID: "user-2", Amount: 50.00},
		},
		ClientModifiedSeconds: 1700000000,
	}
}

func TestCreatePersistsEntryWithShares(t *testing.T) {
	service, _ := newTestService(t)

	created, err := service.Create(context.Background(), dinnerSubmission(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Entry.EntryID != "entry-1" {
		t.Fatalf("expected client-supplied id to be kept, got %s", created.Entry.EntryID)
	}
	if created.Entry.PaymentStatus != PaymentStatusPending {
		t.Fatalf("expected pending status, got %v", created.Entry.PaymentStatus)
	}
	if len(created.Shares) != 2 {
		t.Fatalf("expected 2 shares, got %d", len(created.Shares))
	}
}

func TestCreateGeneratesIDWhenAbsent(t *testing.T) {
	service, _ := newTestService(t)

	sub := dinnerSubmission()
	sub.EntryID = ""
	created, err := service.Create(context.Background(), sub, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Entry.EntryID == "" {
		t.Fatalf("expected a generated entry id")
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.Create(ctx, dinnerSubmission(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := service.Create(ctx, dinnerSubmission(), "user-1")
	if !errors.Is(err, ErrEntryExists) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestCreateRejectsNonMemberParticipant(t *testing.T) {
	service, _ := newTestService(t)

	sub := dinnerSubmission()
	sub.Shares = []ShareAmount{
		{ParticipantID: "user-1", Amount: 50.00},
		{ParticipantID: "outsider", Amount: 50.00},
	}
	_, err := service.Create(context.Background(), sub, "user-1")
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetRequiresMembership(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.Create(ctx, dinnerSubmission(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := service.Get(ctx, "entry-1", "outsider")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestListByGroupOrdersByLastModified(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	first := dinnerSubmission()
	if _, err := service.Create(ctx, first, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := dinnerSubmission()
	second.EntryID = "entry-2"
	second.Description = "Taxi"
	second.ClientModifiedSeconds = 1700000500
	if _, err := service.Create(ctx, second, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := service.ListByGroup(ctx, "group-1", "user-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Entry.EntryID != "entry-2" {
		t.Fatalf("expected newest-modified first, got %s", entries[0].Entry.EntryID)
	}

	// Sanity: the share rows were loaded alongside.
	var count int64
	if err := db.Model(&Share{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count shares: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 share rows, got %d", count)
	}
}

func TestDeleteRequiresPayerOrGroupCreator(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	sub := dinnerSubmission()
	sub.PayerID = "user-2"
	if _, err := service.Create(ctx, sub, "user-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// user-2 is a member but neither payer nor creator after reassignment:
	// create another entry paid by user-1 and have user-2 try to delete it.
	other := dinnerSubmission()
	other.EntryID = "entry-2"
	if _, err := service.Create(ctx, other, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.Delete(ctx, "entry-2", "user-2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// The payer may delete their own entry; the creator may delete any.
	if err := service.Delete(ctx, "entry-1", "user-2"); err != nil {
		t.Fatalf("expected payer deletion to pass, got %v", err)
	}
	if err := service.Delete(ctx, "entry-2", "user-1"); err != nil {
		t.Fatalf("expected creator deletion to pass, got %v", err)
	}
}

func TestDeleteByCreatorWithColdCreatorCache(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	sub := dinnerSubmission()
	sub.PayerID = "user-2"
	if _, err := service.Create(ctx, sub, "user-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A rebuilt stack has no warmed creator cache; the deletion authority
	// lookup must still complete on the single pooled connection.
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	coldGroups, err := group.NewService(group.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build group service: %v", err)
	}
	auditService, err := audit.NewService(audit.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build audit service: %v", err)
	}
	rebuilt, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: NewUUIDProvider(),
		Members:    coldGroups,
		Audit:      auditService,
	})
	if err != nil {
		t.Fatalf("failed to build ledger service: %v", err)
	}

	if err := rebuilt.Delete(ctx, "entry-1", "user-1"); err != nil {
		t.Fatalf("expected creator deletion to pass, got %v", err)
	}
}

func TestApplySnapshotKeepsOriginalPaymentTimes(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	if _, err := service.Create(ctx, dinnerSubmission(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// user-1 settled at 1700000100; re-applying the snapshot later must not
	// move that settlement time to the apply time.
	snapshot := VersionSnapshot{
		Description: "Dinner",
		TotalAmount: 100.00,
		PayerID:     "user-1",
		Shares: []ShareAmount{
			{ParticipantID: "user-1", Amount: 50.00, Paid: true, PaidAtSeconds: 1700000100},
			{ParticipantID: "user-2", Amount: 50.00},
		},
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		entry, err := LockEntry(tx, "entry-1")
		if err != nil {
			return err
		}
		return ApplySnapshot(tx, &entry, snapshot, "user-1", 1700009000)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shares, err := LoadShares(db, "entry-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, share := range shares {
		if share.ParticipantID == "user-1" && share.PaidAtSeconds != 1700000100 {
			t.Fatalf("expected original settlement time to survive, got %d", share.PaidAtSeconds)
		}
	}
}

func TestTrailSurvivesEntryDeletion(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.Create(ctx, dinnerSubmission(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.Delete(ctx, "entry-1", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := service.Trail(ctx, "entry-1", "user-2")
	if err != nil {
		t.Fatalf("expected trail to survive deletion, got %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected creation and deletion records, got %d", len(records))
	}
	seen := map[audit.Action]bool{}
	for _, record := range records {
		seen[record.Action] = true
	}
	if !seen[audit.ActionCreation] || !seen[audit.ActionDeletion] {
		t.Fatalf("expected creation and deletion actions, got %v", records)
	}
}

func TestTrailUnknownEntry(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.Trail(context.Background(), "no-such-entry", "user-1")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
