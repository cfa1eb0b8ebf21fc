package conflict

import (
	"time"

	"github.com/splitsync/backend/internal/ledger"
)

// DetectionOutcome is the detector's verdict on an incoming submission. A
// conflict is a first-class outcome, not a failure.
type DetectionOutcome struct {
	Conflicting    bool
	Classification Classification
}

// DetectUpdate decides whether an incoming update diverges from the stored
// entry. Rules, in order:
//
//  1. The actor who made the entry's last modification may always resubmit;
//     their edits apply directly regardless of content.
//  2. A stale client timestamp (not strictly newer than the stored one) from
//     a different actor with changed content is a content-mismatch conflict.
//  3. Even without a content diff, an edit landing within the concurrency
//     window of another user's modification is flagged: near-simultaneous
//     edits are inherently suspect.
func DetectUpdate(current ledger.Entry, currentShares []ledger.Share, incoming ledger.Submission, actorID string, now time.Time, concurrencyWindow time.Duration) DetectionOutcome {
	if actorID == current.LastModifiedBy {
		return DetectionOutcome{}
	}

	changed := contentChanged(current, currentShares, incoming)
	staleTimestamp := incoming.ClientModifiedSeconds <= current.LastModifiedSeconds

	if staleTimestamp && changed {
		return DetectionOutcome{Conflicting: true, Classification: ClassContentMismatch}
	}

	windowStart := now.Add(-concurrencyWindow).Unix()
	if current.LastModifiedSeconds > windowStart {
		return DetectionOutcome{Conflicting: true, Classification: ClassConcurrentEdit}
	}

	return DetectionOutcome{}
}

// DetectPaymentClaim reports whether another participant settled a share of
// the entry within the trailing window, which makes a new payment action by
// a different user suspect of a double-payment race.
func DetectPaymentClaim(shares []ledger.Share, actorID string, now time.Time, paymentWindow time.Duration) bool {
	windowStart := now.Add(-paymentWindow).Unix()
	for _, share := range shares {
		if share.ParticipantID == actorID {
			continue
		}
		if share.Paid && share.PaidAtSeconds > windowStart {
			return true
		}
	}
	return false
}

// contentChanged compares the semantically meaningful fields of the stored
// entry against the submission: description, total amount, payer, payment
// status, and the full participant share mapping. Amount comparisons use the
// shared monetary tolerance; differing share membership counts as a change
// even when amounts match for common participants.
func contentChanged(current ledger.Entry, currentShares []ledger.Share, incoming ledger.Submission) bool {
	if current.Description != incoming.Description {
		return true
	}
	if !ledger.AmountsEqual(current.TotalAmount, incoming.TotalAmount) {
		return true
	}
	if current.PayerID != incoming.PayerID.String() {
		return true
	}
	if incoming.PaymentStatus != "" && current.PaymentStatus != incoming.PaymentStatus {
		return true
	}

	stored := ledger.CaptureSnapshot(current, currentShares)
	return ledger.SharesDiffer(stored.Shares, incoming.Shares)
}
