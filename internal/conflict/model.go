package conflict

import (
	"encoding/json"

	"github.com/splitsync/backend/internal/ledger"
)

// Status tracks the lifecycle of a conflict record. pending is the only
// non-terminal state.
type Status string

const (
	// StatusPending awaits resolution by participants or the worker.
	StatusPending Status = "pending"
	// StatusResolved marks a conflict closed by a direct strategy or vote agreement.
	StatusResolved Status = "resolved"
	// StatusAutoResolved marks a conflict closed by the timeout worker.
	StatusAutoResolved Status = "auto_resolved"
	// StatusError marks a conflict abandoned after repeated processing failures.
	StatusError Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusAutoResolved || s == StatusError
}

// Classification tags why the divergence was flagged.
type Classification string

const (
	// ClassContentMismatch: stale client timestamp with differing content.
	ClassContentMismatch Classification = "content_mismatch"
	// ClassConcurrentEdit: near-simultaneous edits by different users.
	ClassConcurrentEdit Classification = "concurrent_edit_window"
	// ClassPaymentClaim: competing payment claims on the same entry.
	ClassPaymentClaim Classification = "concurrent_payment_claim"
)

// VoteChoice selects which competing version a voter prefers.
type VoteChoice string

const (
	// ChoiceServerVersion prefers the stored server state ("A").
	ChoiceServerVersion VoteChoice = "A"
	// ChoiceClientVersion prefers the rejected client state ("B").
	ChoiceClientVersion VoteChoice = "B"
)

// Vote is one party's stance on a conflict. A zero Choice means the vote has
// not been cast; recasting overwrites the previous stance.
type Vote struct {
	Choice        VoteChoice `gorm:"column:choice;size:8;not null;default:''"`
	CastAtSeconds int64      `gorm:"column:cast_at_s;not null;default:0"`
}

// Cast reports whether the vote has been recorded.
func (v Vote) Cast() bool {
	return v.Choice != ""
}

// Record is the durable representation of one detected divergence. At most
// one pending record exists per ledger entry; resolved records are kept for
// audit and never deleted.
type Record struct {
	ConflictID        string         `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	EntryID           string         `gorm:"column:entry_id;size:190;not null;index:idx_conflicts_entry_status,priority:1"`
	Classification    Classification `gorm:"column:classification;size:32;not null"`
	Status            Status         `gorm:"column:status;size:32;not null;default:'pending';index:idx_conflicts_entry_status,priority:2"`
	VersionServerJSON string         `gorm:"column:version_server_json;type:text;not null"`
	VersionClientJSON string         `gorm:"column:version_client_json;type:text;not null"`

	// CreatorID is the entry's original payer, the first voting authority.
	CreatorID string `gorm:"column:creator_id;size:190;not null"`
	// RaisedBy is the user whose submission diverged, the second authority.
	RaisedBy string `gorm:"column:raised_by;size:190;not null"`

	CreatorVote      Vote `gorm:"embedded;embeddedPrefix:creator_vote_"`
	CounterpartyVote Vote `gorm:"embedded;embeddedPrefix:counterparty_vote_"`

	DetectedAtSeconds int64  `gorm:"column:detected_at_s;not null;index:idx_conflicts_detected"`
	ResolvedAtSeconds int64  `gorm:"column:resolved_at_s;not null;default:0"`
	ResolvedBy        string `gorm:"column:resolved_by;size:190;not null;default:''"`
	ResolutionJSON    string `gorm:"column:resolution_json;type:text;not null;default:''"`

	Attempts          int   `gorm:"column:attempts;not null;default:0"`
	NotifiedAtSeconds int64 `gorm:"column:notified_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sync_conflicts"
}

// ServerSnapshot decodes the stored server-side version.
func (r Record) ServerSnapshot() (ledger.VersionSnapshot, error) {
	var snapshot ledger.VersionSnapshot
	err := json.Unmarshal([]byte(r.VersionServerJSON), &snapshot)
	return snapshot, err
}

// ClientSnapshot decodes the stored client-side version.
func (r Record) ClientSnapshot() (ledger.VersionSnapshot, error) {
	var snapshot ledger.VersionSnapshot
	err := json.Unmarshal([]byte(r.VersionClientJSON), &snapshot)
	return snapshot, err
}
