package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// PaymentStatus enumerates the settlement state of an entry.
type PaymentStatus string

const (
	// PaymentStatusPending marks an entry with outstanding shares.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid marks an entry whose shares are all settled.
	PaymentStatusPaid PaymentStatus = "paid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntryID indicates that an entry identifier is empty or exceeds storage bounds.
	ErrInvalidEntryID = errors.New("ledger: invalid entry id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("ledger: invalid user id")
	// ErrInvalidGroupID indicates that a group identifier is empty or exceeds storage bounds.
	ErrInvalidGroupID = errors.New("ledger: invalid group id")
)

// EntryID represents a validated ledger entry identifier. Clients generate
// these offline, so the server validates rather than assigns.
type EntryID string

// NewEntryID validates raw input and returns an EntryID.
func NewEntryID(rawInput string) (EntryID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntryID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntryID, maxIdentifierLength)
	}
	return EntryID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntryID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// GroupID represents a validated group identifier.
type GroupID string

// NewGroupID validates raw input and returns a GroupID.
func NewGroupID(rawInput string) (GroupID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidGroupID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidGroupID, maxIdentifierLength)
	}
	return GroupID(trimmed), nil
}

// String returns the underlying string identifier.
func (id GroupID) String() string {
	return string(id)
}

// Entry models a shared expense with its conflict-detection metadata.
type Entry struct {
	EntryID             string        `gorm:"column:entry_id;primaryKey;size:190;not null"`
	GroupID             string        `gorm:"column:group_id;size:190;not null;index:idx_entries_group_modified,priority:1"`
	Description         string        `gorm:"column:description;size:255;not null"`
	TotalAmount         float64       `gorm:"column:total_amount;not null"`
	PayerID             string        `gorm:"column:payer_id;size:190;not null"`
	PaymentStatus       PaymentStatus `gorm:"column:payment_status;size:32;not null;default:'pending'"`
	SplitTag            string        `gorm:"column:split_tag;size:64;not null;default:''"`
	CreatedAtSeconds    int64         `gorm:"column:created_at_s;not null"`
	LastModifiedSeconds int64         `gorm:"column:last_modified_s;not null;index:idx_entries_group_modified,priority:2"`
	LastModifiedBy      string        `gorm:"column:last_modified_by;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "ledger_entries"
}

// Share is one participant's allocated portion of an entry's total.
type Share struct {
	EntryID       string  `gorm:"column:entry_id;primaryKey;size:190;not null"`
	ParticipantID string  `gorm:"column:participant_id;primaryKey;size:190;not null"`
	Amount        float64 `gorm:"column:amount;not null"`
	Paid          bool    `gorm:"column:paid;not null;default:false"`
	PaidAtSeconds int64   `gorm:"column:paid_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Share) TableName() string {
	return "ledger_shares"
}

// ShareAmount is a snapshot of one participant's allocation. PaidAtSeconds
// carries the original settlement time so re-applying a snapshot never
// restamps it.
type ShareAmount struct {
	ParticipantID string  `json:"participant_id"`
	Amount        float64 `json:"amount"`
	Paid          bool    `json:"paid,omitempty"`
	PaidAtSeconds int64   `json:"paid_at_s,omitempty"`
}

// VersionSnapshot captures one full competing version of an entry. The same
// shape is used for the server side and the client side of a conflict so
// resolution never branches on payload shape.
type VersionSnapshot struct {
	Description   string        `json:"description"`
	TotalAmount   float64       `json:"total_amount"`
	PayerID       string        `json:"payer_id"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	SplitTag      string        `json:"split_tag,omitempty"`
	Shares        []ShareAmount `json:"shares"`
}

// CaptureSnapshot builds a VersionSnapshot from a stored entry and its shares.
func CaptureSnapshot(entry Entry, shares []Share) VersionSnapshot {
	snapshot := VersionSnapshot{
		Description:   entry.Description,
		TotalAmount:   entry.TotalAmount,
		PayerID:       entry.PayerID,
		PaymentStatus: entry.PaymentStatus,
		SplitTag:      entry.SplitTag,
		Shares:        make([]ShareAmount, 0, len(shares)),
	}
	for _, share := range shares {
		snapshot.Shares = append(snapshot.Shares, ShareAmount{
			ParticipantID: share.ParticipantID,
			Amount:        share.Amount,
			Paid:          share.Paid,
			PaidAtSeconds: share.PaidAtSeconds,
		})
	}
	return snapshot
}

// Submission describes the client-provided state of an entry during create,
// update, or offline sync.
type Submission struct {
	EntryID               EntryID
	GroupID               GroupID
	Description           string
	TotalAmount           float64
	PayerID               UserID
	PaymentStatus         PaymentStatus
	SplitTag              string
	Shares                []ShareAmount
	ClientModifiedSeconds int64
}

// Snapshot converts the submission into the uniform version representation.
func (s Submission) Snapshot() VersionSnapshot {
	status := s.PaymentStatus
	if status == "" {
		status = PaymentStatusPending
	}
	shares := make([]ShareAmount, len(s.Shares))
	copy(shares, s.Shares)
	return VersionSnapshot{
		Description:   s.Description,
		TotalAmount:   s.TotalAmount,
		PayerID:       s.PayerID.String(),
		PaymentStatus: status,
		SplitTag:      s.SplitTag,
		Shares:        shares,
	}
}

// EntryWithShares bundles an entry with its reconciled share set for
// responses.
type EntryWithShares struct {
	Entry  Entry
	Shares []Share
}
