package conflict

import (
	"context"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/splitsync/backend/internal/audit"
	"github.com/splitsync/backend/internal/group"
	"github.com/splitsync/backend/internal/ledger"
	"github.com/splitsync/backend/internal/notify"
)

const baseTimeSeconds = 1700000000

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Unix(baseTimeSeconds, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type capturingNotifier struct {
	mu       sync.Mutex
	messages map[string][]notify.Message
}

func newCapturingNotifier() *capturingNotifier {
	return &capturingNotifier{messages: make(map[string][]notify.Message)}
}

func (n *capturingNotifier) Notify(_ context.Context, userID string, message notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages[userID] = append(n.messages[userID], message)
	return nil
}

func (n *capturingNotifier) countFor(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages[userID])
}

type fixture struct {
	db       *gorm.DB
	clock    *testClock
	notifier *capturingNotifier
	groups   *group.Service
	audit    *audit.Service
	ledger   *ledger.Service
	service  *Service
}

func openTestDatabase(t *testing.T) *gorm.DB {
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
	if err := db.AutoMigrate(
		&group.Group{},
		&group.Membership{},
		&ledger.Entry{},
		&ledger.Share{},
		&audit.Record{},
		&Record{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

// newFixture wires the conflict engine against an in-memory database with a
// group of three: user-1 (creator), user-2, and user-3.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openTestDatabase(t)
	clock := newTestClock()
	notifier := newCapturingNotifier()

	groups, err := group.NewService(group.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build group service: %v", err)
	}
	auditService, err := audit.NewService(audit.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: ledger.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build audit service: %v", err)
	}
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: ledger.NewUUIDProvider(),
		Members:    groups,
		Audit:      auditService,
	})
	if err != nil {
		t.Fatalf("failed to build ledger service: %v", err)
	}
	conflictService, err := NewService(ServiceConfig{
		Database:          db,
		Clock:             clock.Now,
		IDProvider:        ledger.NewUUIDProvider(),
		Ledger:            ledgerService,
		Members:           groups,
		Audit:             auditService,
		Notifier:          notifier,
		ConcurrencyWindow: 5 * time.Minute,
		PaymentWindow:     time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build conflict service: %v", err)
	}

	ctx := context.Background()
	if _, err := groups.CreateGroup(ctx, "group-1", "Trip", "user-1"); err != nil {
		t.Fatalf("failed to create group: %v", err)
	}
	for _, userID := range []string{"user-2", "user-3"} {
		if err := groups.AddMember(ctx, "group-1", userID); err != nil {
			t.Fatalf("failed to add member %s: %v", userID, err)
		}
	}

	return &fixture{
		db:       db,
		clock:    clock,
		notifier: notifier,
		groups:   groups,
		audit:    auditService,
		ledger:   ledgerService,
		service:  conflictService,
	}
}

// mustCreateEntry seeds a 100.00 dinner split evenly between user-1 and
// user-2, paid by user-1.
func (f *fixture) mustCreateEntry(t *testing.T) ledger.EntryWithShares {
	t.Helper()
	sub := ledger.Submission{
		EntryID:     "entry-1",
		GroupID:     "group-1",
		Description: "Dinner",
		TotalAmount: 100.00,
		PayerID:     "user-1",
		Shares: []ledger.ShareAmount{
			{ParticipantID: "user-1", Amount: 50.00},
			{ParticipantID: "user-2", Amount: 50.00},
		},
		ClientModifiedSeconds: f.clock.Now().Unix(),
	}
	created, err := f.ledger.Create(context.Background(), sub, "user-1")
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}
	return created
}

// mustRaiseConflict moves the entry to 120.00 as user-1, then submits a stale
// 100.00 edit as user-2, producing a pending content-mismatch conflict.
func (f *fixture) mustRaiseConflict(t *testing.T) Record {
	t.Helper()
	f.mustCreateEntry(t)
	ctx := context.Background()

	f.clock.Advance(10 * time.Minute)
	bumped := ledger.Submission{
		EntryID:     "entry-1",
		Description: "Dinner",
		TotalAmount: 120.00,
		PayerID:     "user-1",
		Shares: []ledger.ShareAmount{
			{ParticipantID: "user-1", Amount: 60.00},
			{ParticipantID: "user-2", Amount: 60.00},
		},
		ClientModifiedSeconds: f.clock.Now().Unix(),
	}
	result, err := f.service.SubmitUpdate(ctx, bumped, "user-1")
	if err != nil {
		t.Fatalf("failed to apply first update: %v", err)
	}
	if result.Applied == nil {
		t.Fatalf("expected first update to apply")
	}

	f.clock.Advance(10 * time.Minute)
	stale := ledger.Submission{
		EntryID:     "entry-1",
		Description: "Dinner",
		TotalAmount: 100.00,
		PayerID:     "user-1",
		Shares: []ledger.ShareAmount{
			{ParticipantID: "user-1", Amount: 50.00},
			{ParticipantID: "user-2", Amount: 50.00},
		},
		ClientModifiedSeconds: baseTimeSeconds + 60,
	}
	conflicted, err := f.service.SubmitUpdate(ctx, stale, "user-2")
	if err != nil {
		t.Fatalf("failed to submit stale update: %v", err)
	}
	if conflicted.Conflict == nil {
		t.Fatalf("expected stale divergent update to conflict")
	}
	return *conflicted.Conflict
}

func (f *fixture) mustLoadEntry(t *testing.T) ledger.Entry {
	t.Helper()
	entry, err := ledger.FindEntry(f.db, "entry-1")
	if err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	return entry
}

func (f *fixture) mustLoadRecord(t *testing.T, conflictID string) Record {
	t.Helper()
	record, err := findRecord(f.db, conflictID)
	if err != nil {
		t.Fatalf("failed to load conflict record: %v", err)
	}
	return record
}

func (f *fixture) auditActions(t *testing.T, entryID string) []audit.Action {
	t.Helper()
	records, err := f.audit.ListForEntry(context.Background(), entryID)
	if err != nil {
		t.Fatalf("failed to list audit trail: %v", err)
	}
	actions := make([]audit.Action, 0, len(records))
	for _, record := range records {
		actions = append(actions, record.Action)
	}
	return actions
}
