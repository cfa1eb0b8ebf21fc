package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// amountTolerance is the absolute tolerance applied to monetary comparisons.
// Client payloads arrive as floats, so exact equality is never required.
const amountToleranceStr = "0.001"

var amountTolerance = decimal.RequireFromString(amountToleranceStr)

// ValidationError reports a malformed or internally inconsistent submission.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "ledger: " + e.Reason
}

func newValidationError(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// AmountsEqual compares two monetary values within the shared tolerance.
func AmountsEqual(a, b float64) bool {
	diff := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Abs()
	return diff.LessThanOrEqual(amountTolerance)
}

// SumShares returns the exact sum of the share amounts.
func SumShares(shares []ShareAmount) float64 {
	sum := decimal.Zero
	for _, share := range shares {
		sum = sum.Add(decimal.NewFromFloat(share.Amount))
	}
	value, _ := sum.Float64()
	return value
}

// ValidateShareSum checks the share-sum invariant: the participant amounts
// must add up to the total within tolerance.
func ValidateShareSum(total float64, shares []ShareAmount) error {
	if len(shares) == 0 {
		return newValidationError("at least one share is required")
	}
	seen := make(map[string]bool, len(shares))
	for _, share := range shares {
		if share.ParticipantID == "" {
			return newValidationError("share participant id is required")
		}
		if seen[share.ParticipantID] {
			return newValidationError("duplicate share for participant %s", share.ParticipantID)
		}
		seen[share.ParticipantID] = true
		if share.Amount <= 0 {
			return newValidationError("share amount for participant %s must be positive", share.ParticipantID)
		}
	}
	if !AmountsEqual(SumShares(shares), total) {
		return newValidationError("share amounts sum to %.4f, expected total %.4f", SumShares(shares), total)
	}
	return nil
}

// EqualSplit divides a total evenly across participants, assigning any
// rounding remainder to the first participant so the share-sum invariant
// holds exactly.
func EqualSplit(total float64, participantIDs []string) ([]ShareAmount, error) {
	if len(participantIDs) == 0 {
		return nil, newValidationError("equal split requires at least one participant")
	}
	if total <= 0 {
		return nil, newValidationError("equal split requires a positive total")
	}

	totalDecimal := decimal.NewFromFloat(total)
	count := decimal.NewFromInt(int64(len(participantIDs)))
	base := totalDecimal.Div(count).RoundDown(2)
	remainder := totalDecimal.Sub(base.Mul(count))

	shares := make([]ShareAmount, 0, len(participantIDs))
	for index, participantID := range participantIDs {
		amount := base
		if index == 0 {
			amount = amount.Add(remainder)
		}
		value, _ := amount.Float64()
		shares = append(shares, ShareAmount{ParticipantID: participantID, Amount: value})
	}
	return shares, nil
}

// SharesDiffer compares two share sets semantically: differing participant
// membership counts as a change even when amounts match for the common
// participants.
func SharesDiffer(current, incoming []ShareAmount) bool {
	currentByParticipant := make(map[string]float64, len(current))
	for _, share := range current {
		currentByParticipant[share.ParticipantID] = share.Amount
	}
	incomingByParticipant := make(map[string]float64, len(incoming))
	for _, share := range incoming {
		incomingByParticipant[share.ParticipantID] = share.Amount
	}

	if len(currentByParticipant) != len(incomingByParticipant) {
		return true
	}
	for participantID, amount := range currentByParticipant {
		incomingAmount, ok := incomingByParticipant[participantID]
		if !ok {
			return true
		}
		if !AmountsEqual(amount, incomingAmount) {
			return true
		}
	}
	return false
}
