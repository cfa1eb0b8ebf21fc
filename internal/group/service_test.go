package group

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
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
	if err := db.AutoMigrate(&Group{}, &Membership{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestCreateGroupAddsCreatorAsMember(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateGroup(ctx, "group-1", "Trip", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.CreatedBy != "user-1" {
		t.Fatalf("expected creator user-1, got %s", created.CreatedBy)
	}

	isMember, err := service.IsMember(ctx, "group-1", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isMember {
		t.Fatalf("expected creator to be an implicit member")
	}
}

func TestCreateGroupRejectsBlankName(t *testing.T) {
	service := newTestService(t)
	_, err := service.CreateGroup(context.Background(), "group-1", "   ", "user-1")
	if !errors.Is(err, ErrInvalidGroupName) {
		t.Fatalf("expected invalid name rejection, got %v", err)
	}
}

func TestAddMemberIsIdempotent(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	if _, err := service.CreateGroup(ctx, "group-1", "Trip", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := service.AddMember(ctx, "group-1", "user-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.AddMember(ctx, "group-1", "user-2"); err != nil {
		t.Fatalf("expected re-adding a member to be a no-op, got %v", err)
	}

	members, err := service.MemberIDs(ctx, "group-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}
}

func TestAddMemberUnknownGroup(t *testing.T) {
	service := newTestService(t)
	err := service.AddMember(context.Background(), "no-such-group", "user-2")
	if !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected group not found, got %v", err)
	}
}

func TestIsMemberRejectsOutsider(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	if _, err := service.CreateGroup(ctx, "group-1", "Trip", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	isMember, err := service.IsMember(ctx, "group-1", "outsider")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isMember {
		t.Fatalf("expected outsider not to be a member")
	}
}

func TestCreatorIDIsCached(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	if _, err := service.CreateGroup(ctx, "group-1", "Trip", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := service.CreatorID(ctx, "group-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := service.creatorCache.Load("group-1"); !ok {
		t.Fatalf("expected creator lookup to populate the cache")
	}

	creatorID, err := service.CreatorID(ctx, "group-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creatorID != "user-1" {
		t.Fatalf("expected cached creator user-1, got %s", creatorID)
	}
}

func TestMemberIDsListsCreatorFirst(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	if _, err := service.CreateGroup(ctx, "group-1", "Trip", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, userID := range []string{"user-2", "user-3"} {
		if err := service.AddMember(ctx, "group-1", userID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	members, err := service.MemberIDs(ctx, "group-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 3 || members[0] != "user-1" {
		t.Fatalf("expected creator-first member list, got %v", members)
	}
}
