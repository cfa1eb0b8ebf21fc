package group

// Group models a set of users sharing expenses. Full group management lives
// in a separate service; this backend keeps the minimum needed for
// authorization checks and operability.
type Group struct {
	GroupID          string `gorm:"column:group_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:190;not null"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null;index:idx_groups_creator"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Group) TableName() string {
	return "groups"
}

// Membership links a user to a group.
type Membership struct {
	GroupID         string `gorm:"column:group_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_memberships_user"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "group_memberships"
}
