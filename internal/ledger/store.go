package ledger

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrEntryNotFound indicates the referenced ledger entry does not exist.
var ErrEntryNotFound = errors.New("ledger: entry not found")

// FindEntry loads one entry by identifier.
func FindEntry(tx *gorm.DB, entryID string) (Entry, error) {
	var entry Entry
	err := tx.Where("entry_id = ?", entryID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// LockEntry loads one entry under a row lock. Detection and resolution both
// serialize on the entry row so concurrent submissions cannot race the
// "one pending conflict per entry" check.
func LockEntry(tx *gorm.DB, entryID string) (Entry, error) {
	var entry Entry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entry_id = ?", entryID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// LoadShares returns the share rows for an entry in stable participant order.
func LoadShares(tx *gorm.DB, entryID string) ([]Share, error) {
	var shares []Share
	err := tx.Where("entry_id = ?", entryID).
		Order("participant_id ASC").
		Find(&shares).Error
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// ReplaceShares swaps the full participant mapping for an entry: stale rows
// are removed and the snapshot rows inserted. A paid share keeps its recorded
// settlement time; only one without it is stamped with atSeconds.
func ReplaceShares(tx *gorm.DB, entryID string, shares []ShareAmount, atSeconds int64) error {
	if err := tx.Where("entry_id = ?", entryID).Delete(&Share{}).Error; err != nil {
		return err
	}
	for _, share := range shares {
		row := Share{
			EntryID:       entryID,
			ParticipantID: share.ParticipantID,
			Amount:        share.Amount,
			Paid:          share.Paid,
			PaidAtSeconds: share.PaidAtSeconds,
		}
		if share.Paid && row.PaidAtSeconds == 0 {
			row.PaidAtSeconds = atSeconds
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// ApplySnapshot overwrites the entry and its shares with one full version.
// The share-sum invariant is re-validated before anything is written; a
// mismatch aborts the caller's transaction rather than being corrected
// silently.
func ApplySnapshot(tx *gorm.DB, entry *Entry, snapshot VersionSnapshot, actorID string, atSeconds int64) error {
	if err := ValidateShareSum(snapshot.TotalAmount, snapshot.Shares); err != nil {
		return err
	}

	entry.Description = snapshot.Description
	entry.TotalAmount = snapshot.TotalAmount
	entry.PayerID = snapshot.PayerID
	if snapshot.PaymentStatus != "" {
		entry.PaymentStatus = snapshot.PaymentStatus
	}
	if snapshot.SplitTag != "" {
		entry.SplitTag = snapshot.SplitTag
	}
	entry.LastModifiedSeconds = atSeconds
	entry.LastModifiedBy = actorID

	if err := tx.Save(entry).Error; err != nil {
		return err
	}
	return ReplaceShares(tx, entry.EntryID, snapshot.Shares, atSeconds)
}

// TouchEntry stamps the modification metadata without changing content.
func TouchEntry(tx *gorm.DB, entry *Entry, actorID string, atSeconds int64) error {
	entry.LastModifiedSeconds = atSeconds
	entry.LastModifiedBy = actorID
	return tx.Save(entry).Error
}
