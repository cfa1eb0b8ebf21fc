package audit

// Action classifies a state-changing event on a ledger entry.
type Action string

const (
	// ActionCreation records a new entry.
	ActionCreation Action = "creation"
	// ActionModification records a direct or sync update.
	ActionModification Action = "modification"
	// ActionDeletion records entry removal.
	ActionDeletion Action = "deletion"
	// ActionPaymentMarked records a participant settling their share.
	ActionPaymentMarked Action = "payment_marked"
	// ActionConflictDetected records a rejected divergent submission.
	ActionConflictDetected Action = "conflict_detected"
	// ActionConflictResolved records the outcome applied to a conflict.
	ActionConflictResolved Action = "conflict_resolved"
)

// Record is one immutable audit fact. Rows are only ever inserted; they
// survive deletion of the entry they reference.
type Record struct {
	AuditID           string `gorm:"column:audit_id;primaryKey;size:190;not null"`
	EntryID           string `gorm:"column:entry_id;size:190;not null;index:idx_audit_entry_time,priority:1"`
	Action            Action `gorm:"column:action;size:32;not null"`
	DetailJSON        string `gorm:"column:detail_json;type:text;not null"`
	ActorID           string `gorm:"column:actor_id;size:190;not null"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null;index:idx_audit_entry_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "audit_log"
}
