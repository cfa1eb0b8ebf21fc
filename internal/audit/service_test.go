package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("audit-%03d", p.next), nil
}

func newTestService(t *testing.T, clock func() time.Time) *Service {
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
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestAppendSerializesDetail(t *testing.T) {
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	service := newTestService(t, clock)

	detail := map[string]interface{}{"total_amount": 100.00, "payer_id": "user-1"}
	if err := service.Append(nil, "entry-1", ActionCreation, detail, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := service.ListForEntry(context.Background(), "entry-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	record := records[0]
	if record.Action != ActionCreation {
		t.Fatalf("expected creation action, got %v", record.Action)
	}
	if record.ActorID != "user-1" {
		t.Fatalf("expected actor user-1, got %s", record.ActorID)
	}
	if record.RecordedAtSeconds != 1700000000 {
		t.Fatalf("expected clock timestamp, got %d", record.RecordedAtSeconds)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(record.DetailJSON), &decoded); err != nil {
		t.Fatalf("failed to decode detail: %v", err)
	}
	if decoded["payer_id"] != "user-1" {
		t.Fatalf("unexpected detail payload: %v", decoded)
	}
}

func TestListForEntryReturnsNewestFirst(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	service := newTestService(t, func() time.Time { return current })

	actions := []Action{ActionCreation, ActionModification, ActionConflictDetected}
	for _, action := range actions {
		if err := service.Append(nil, "entry-1", action, nil, "user-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		current = current.Add(time.Minute)
	}

	records, err := service.ListForEntry(context.Background(), "entry-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Action != ActionConflictDetected || records[2].Action != ActionCreation {
		t.Fatalf("expected newest-first ordering, got %v %v %v", records[0].Action, records[1].Action, records[2].Action)
	}
}

func TestListForEntryIsScopedByEntry(t *testing.T) {
	service := newTestService(t, func() time.Time { return time.Unix(1700000000, 0).UTC() })

	if err := service.Append(nil, "entry-1", ActionCreation, nil, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.Append(nil, "entry-2", ActionCreation, nil, "user-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := service.ListForEntry(context.Background(), "entry-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].EntryID != "entry-1" {
		t.Fatalf("expected only entry-1 records, got %v", records)
	}
}
