package group

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrGroupNotFound indicates the referenced group does not exist.
	ErrGroupNotFound = errors.New("group: not found")
	// ErrInvalidGroupName indicates an empty or oversized group name.
	ErrInvalidGroupName = errors.New("group: invalid name")
)

// ServiceConfig describes the dependencies for the membership provider.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service answers the membership and authority questions the conflict engine
// needs: who belongs to a group and who created it. Creator lookups are
// cached because the escalation worker asks repeatedly for the same groups.
type Service struct {
	db           *gorm.DB
	now          func() time.Time
	creatorCache sync.Map
}

// NewService constructs the membership provider.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("group: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// CreateGroup persists a group with its creator as implicit member.
func (s *Service) CreateGroup(ctx context.Context, groupID, name, creatorID string) (Group, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || len(trimmed) > 190 {
		return Group{}, ErrInvalidGroupName
	}
	created := Group{
		GroupID:          groupID,
		Name:             trimmed,
		CreatedBy:        creatorID,
		CreatedAtSeconds: s.now().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		member := Membership{
			GroupID:         groupID,
			UserID:          creatorID,
			JoinedAtSeconds: created.CreatedAtSeconds,
		}
		return tx.Create(&member).Error
	})
	if err != nil {
		return Group{}, err
	}
	return created, nil
}

// AddMember registers a user as group member. Adding an existing member is a
// no-op.
func (s *Service) AddMember(ctx context.Context, groupID, userID string) error {
	if _, err := s.CreatorID(ctx, groupID); err != nil {
		return err
	}
	member := Membership{
		GroupID:         groupID,
		UserID:          userID,
		JoinedAtSeconds: s.now().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Create(&member).Error
	if err != nil && isDuplicateKey(err) {
		return nil
	}
	return err
}

// IsMember reports whether the user belongs to the group. The group creator
// always counts as a member.
func (s *Service) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	creatorID, err := s.CreatorID(ctx, groupID)
	if err != nil {
		return false, err
	}
	if creatorID == userID {
		return true, nil
	}
	var count int64
	err = s.db.WithContext(ctx).
		Model(&Membership{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreatorID returns the identifier of the user who created the group. The
// creator is the designated tie-break authority for conflict auto-resolution.
func (s *Service) CreatorID(ctx context.Context, groupID string) (string, error) {
	if cached, ok := s.creatorCache.Load(groupID); ok {
		if creatorID, ok := cached.(string); ok {
			return creatorID, nil
		}
	}

	var found Group
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Take(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrGroupNotFound
	}
	if err != nil {
		return "", err
	}

	s.creatorCache.Store(groupID, found.CreatedBy)
	return found.CreatedBy, nil
}

// MemberIDs returns every member of the group, creator included.
func (s *Service) MemberIDs(ctx context.Context, groupID string) ([]string, error) {
	creatorID, err := s.CreatorID(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var members []Membership
	if err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("joined_at_s ASC").
		Find(&members).Error; err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(members)+1)
	seen := map[string]bool{creatorID: true}
	ids = append(ids, creatorID)
	for _, member := range members {
		if seen[member.UserID] {
			continue
		}
		seen[member.UserID] = true
		ids = append(ids, member.UserID)
	}
	return ids, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
