package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/splitsync/backend/internal/audit"
	"github.com/splitsync/backend/internal/ledger"
	"github.com/splitsync/backend/internal/metrics"
	"github.com/splitsync/backend/internal/notify"
)

// Strategy selects how a conflict is resolved directly, without voting.
type Strategy string

const (
	// StrategyAcceptServer keeps the stored state and discards the client version.
	StrategyAcceptServer Strategy = "accept_server"
	// StrategyAcceptClient overwrites the entry with the rejected client version.
	StrategyAcceptClient Strategy = "accept_client"
	// StrategyManual overwrites the entry with a caller-supplied merged version.
	StrategyManual Strategy = "manual"
)

const (
	opResolve  = "conflict.resolve"
	opCastVote = "conflict.cast_vote"

	resolutionModeDirect = "direct"
	resolutionModeVote   = "vote"
)

// ErrUnknownStrategy indicates an unrecognized resolution strategy.
var ErrUnknownStrategy = errors.New("conflict: unknown resolution strategy")

// ErrMissingManualVersion indicates a manual resolution without a merged version.
var ErrMissingManualVersion = errors.New("conflict: manual resolution requires a merged version")

// Resolve closes a pending conflict with a direct strategy. The group creator
// and both conflict parties hold this authority. Re-resolving a terminal
// record reports ErrAlreadyResolved and changes nothing.
func (s *Service) Resolve(ctx context.Context, conflictID string, strategy Strategy, manual *ledger.VersionSnapshot, actorID ledger.UserID) (Record, error) {
	if strategy == StrategyManual && manual == nil {
		return Record{}, ErrMissingManualVersion
	}
	if strategy != StrategyAcceptServer && strategy != StrategyAcceptClient && strategy != StrategyManual {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	// The conflict parties are fixed at detection time, so authority can be
	// checked against an unlocked read. The creator lookup queries through
	// the membership provider's own handle and must not run while the
	// transaction below holds the single pooled connection.
	preflight, err := findRecord(s.db.WithContext(ctx), conflictID)
	if err != nil {
		return Record{}, err
	}
	if err := s.requireResolutionAuthority(ctx, preflight, actorID.String()); err != nil {
		return Record{}, err
	}

	var resolved Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockRecord(tx, conflictID)
		if err != nil {
			return err
		}
		if record.Status.Terminal() {
			return ErrAlreadyResolved
		}

		applied, err := s.resolutionVersion(record, strategy, manual)
		if err != nil {
			return err
		}

		now := s.clock().UTC()
		if err := s.applyResolution(tx, &record, strategy, applied, actorID.String(), now); err != nil {
			return err
		}

		detail := map[string]interface{}{
			"conflict_id": record.ConflictID,
			"strategy":    strategy,
			"resolution":  applied,
		}
		if err := s.audit.Append(tx, record.EntryID, audit.ActionConflictResolved, detail, actorID.String()); err != nil {
			return newServiceError(opResolve, "audit_append_failed", err)
		}

		resolved = record
		return nil
	})
	if txErr != nil {
		s.logError(opResolve, "transaction_failed", txErr, zap.String("conflict_id", conflictID))
		return Record{}, txErr
	}

	metrics.ConflictsResolved.WithLabelValues(resolutionModeDirect).Inc()
	s.logger.Info("conflict resolved",
		zap.String("conflict_id", resolved.ConflictID),
		zap.String("entry_id", resolved.EntryID),
		zap.String("strategy", string(strategy)),
		zap.String("resolved_by", actorID.String()))
	s.notifyResolved(ctx, resolved)
	return resolved, nil
}

// VoteResult reports the state of a conflict after a vote is cast.
type VoteResult struct {
	Record   Record
	Resolved bool
	// Disagreement is set when both parties voted for different versions;
	// the conflict stays pending until the timeout worker escalates it.
	Disagreement bool
}

// CastVote records one party's choice between the competing versions. The
// entry's original payer holds the creator vote; the user who raised the
// conflict holds the counterparty vote; nobody else may vote. Recasting
// overwrites the earlier choice. When both votes agree the chosen version is
// applied and the conflict closes.
func (s *Service) CastVote(ctx context.Context, conflictID string, choice VoteChoice, actorID ledger.UserID) (VoteResult, error) {
	if choice != ChoiceServerVersion && choice != ChoiceClientVersion {
		return VoteResult{}, newServiceError(opCastVote, "unknown_choice", fmt.Errorf("unknown vote choice %q", choice))
	}

	var result VoteResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockRecord(tx, conflictID)
		if err != nil {
			return err
		}
		if record.Status.Terminal() {
			return ErrAlreadyResolved
		}

		vote := Vote{Choice: choice, CastAtSeconds: s.clock().UTC().Unix()}
		switch actorID.String() {
		case record.CreatorID:
			record.CreatorVote = vote
		case record.RaisedBy:
			record.CounterpartyVote = vote
		default:
			return ErrForbidden
		}

		if !record.CreatorVote.Cast() || !record.CounterpartyVote.Cast() {
			if err := tx.Save(&record).Error; err != nil {
				return newServiceError(opCastVote, "record_save_failed", err)
			}
			result = VoteResult{Record: record}
			return nil
		}

		if record.CreatorVote.Choice != record.CounterpartyVote.Choice {
			if err := tx.Save(&record).Error; err != nil {
				return newServiceError(opCastVote, "record_save_failed", err)
			}
			result = VoteResult{Record: record, Disagreement: true}
			return nil
		}

		strategy := StrategyAcceptServer
		if record.CreatorVote.Choice == ChoiceClientVersion {
			strategy = StrategyAcceptClient
		}
		applied, err := s.resolutionVersion(record, strategy, nil)
		if err != nil {
			return err
		}
		now := s.clock().UTC()
		if err := s.applyResolution(tx, &record, strategy, applied, actorID.String(), now); err != nil {
			return err
		}

		detail := map[string]interface{}{
			"conflict_id": record.ConflictID,
			"strategy":    strategy,
			"choice":      record.CreatorVote.Choice,
			"resolution":  applied,
		}
		if err := s.audit.Append(tx, record.EntryID, audit.ActionConflictResolved, detail, actorID.String()); err != nil {
			return newServiceError(opCastVote, "audit_append_failed", err)
		}

		result = VoteResult{Record: record, Resolved: true}
		return nil
	})
	if txErr != nil {
		s.logError(opCastVote, "transaction_failed", txErr, zap.String("conflict_id", conflictID))
		return VoteResult{}, txErr
	}

	if result.Resolved {
		metrics.ConflictsResolved.WithLabelValues(resolutionModeVote).Inc()
		s.logger.Info("conflict resolved by vote",
			zap.String("conflict_id", result.Record.ConflictID),
			zap.String("entry_id", result.Record.EntryID),
			zap.String("choice", string(result.Record.CreatorVote.Choice)))
		s.notifyResolved(ctx, result.Record)
	}
	return result, nil
}

// requireResolutionAuthority admits the group creator and the two conflict
// parties. The group lookup goes through the live entry; when the entry was
// deleted mid-conflict, only the recorded parties remain authorized.
func (s *Service) requireResolutionAuthority(ctx context.Context, record Record, actorID string) error {
	if actorID == record.CreatorID || actorID == record.RaisedBy {
		return nil
	}
	entry, err := ledger.FindEntry(s.db.WithContext(ctx), record.EntryID)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return newServiceError(opResolve, "entry_lookup_failed", err)
	}
	groupCreator, err := s.members.CreatorID(ctx, entry.GroupID)
	if err != nil {
		return newServiceError(opResolve, "creator_lookup_failed", err)
	}
	if actorID != groupCreator {
		return ErrForbidden
	}
	return nil
}

// resolutionVersion picks the snapshot that resolution will record. The
// accept-server path records the stored version; accept-client decodes the
// rejected submission; manual uses the caller's merged version.
func (s *Service) resolutionVersion(record Record, strategy Strategy, manual *ledger.VersionSnapshot) (ledger.VersionSnapshot, error) {
	switch strategy {
	case StrategyAcceptServer:
		snapshot, err := record.ServerSnapshot()
		if err != nil {
			return ledger.VersionSnapshot{}, newServiceError(opResolve, "server_version_decode_failed", err)
		}
		return snapshot, nil
	case StrategyAcceptClient:
		snapshot, err := record.ClientSnapshot()
		if err != nil {
			return ledger.VersionSnapshot{}, newServiceError(opResolve, "client_version_decode_failed", err)
		}
		return snapshot, nil
	case StrategyManual:
		return *manual, nil
	default:
		return ledger.VersionSnapshot{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// applyResolution writes the chosen version to the entry and closes the
// record. Accepting the server version stamps the entry's modification
// metadata without rewriting content. A deleted entry is tolerated: the
// record still closes so the conflict does not dangle forever.
func (s *Service) applyResolution(tx *gorm.DB, record *Record, strategy Strategy, applied ledger.VersionSnapshot, actorID string, now time.Time) error {
	entry, err := ledger.LockEntry(tx, record.EntryID)
	switch {
	case errors.Is(err, ledger.ErrEntryNotFound):
		// Entry deleted while the conflict was pending; close the record only.
	case err != nil:
		return newServiceError(opResolve, "entry_lock_failed", err)
	case strategy == StrategyAcceptServer:
		if err := ledger.TouchEntry(tx, &entry, actorID, now.Unix()); err != nil {
			return newServiceError(opResolve, "entry_save_failed", err)
		}
	default:
		if err := ledger.ApplySnapshot(tx, &entry, applied, actorID, now.Unix()); err != nil {
			return err
		}
	}

	record.Status = StatusResolved
	record.ResolvedAtSeconds = now.Unix()
	record.ResolvedBy = actorID
	record.ResolutionJSON = mustEncode(applied)
	if err := tx.Save(record).Error; err != nil {
		return newServiceError(opResolve, "record_save_failed", err)
	}
	return nil
}

// notifyResolved tells both conflict parties the record closed. Best effort.
func (s *Service) notifyResolved(ctx context.Context, record Record) {
	if s.notifier == nil {
		return
	}
	message := notify.Message{
		Kind:       notify.KindConflictResolved,
		ConflictID: record.ConflictID,
		EntryID:    record.EntryID,
		Body:       fmt.Sprintf("conflict on entry %s was resolved", record.EntryID),
		Timestamp:  s.clock().UTC(),
	}
	for _, userID := range dedupe(record.CreatorID, record.RaisedBy, record.ResolvedBy) {
		if err := s.notifier.Notify(ctx, userID, message); err != nil {
			s.logger.Warn("resolution notification failed",
				zap.String("conflict_id", record.ConflictID),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
}

func dedupe(userIDs ...string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	unique := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		unique = append(unique, userID)
	}
	return unique
}
