package changelog

import (
	"errors"
	"time"
)

// ChangeType enumerates the mutation kinds recorded in the change log.
type ChangeType string

const (
	// ChangeTypeCreated carries the full object of a new entity.
	ChangeTypeCreated ChangeType = "CREATED"
	// ChangeTypeUpdated carries a partial delta against the current state.
	ChangeTypeUpdated ChangeType = "UPDATED"
	// ChangeTypeDeleted carries no payload; the entity is soft-deleted.
	ChangeTypeDeleted ChangeType = "DELETED"
)

// ErrInvalidChangeType indicates an unrecognized change type tag.
var ErrInvalidChangeType = errors.New("changelog: invalid change type")

// ParseChangeType validates a raw change type tag.
func ParseChangeType(raw string) (ChangeType, error) {
	switch ChangeType(raw) {
	case ChangeTypeCreated, ChangeTypeUpdated, ChangeTypeDeleted:
		return ChangeType(raw), nil
	default:
		return "", ErrInvalidChangeType
	}
}

// Change is one immutable append-only log entry. The change id doubles as the
// idempotency key for the mutation, scoped per user, so the primary key is the
// (change_id, user_id) pair. The per-user version is a strictly increasing
// counter distinct from the global entity sequence.
type Change struct {
	ChangeID   string     `gorm:"column:change_id;primaryKey;size:190;not null"`
	UserID     string     `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_changes_user_version,priority:1"`
	DeviceID   string     `gorm:"column:device_id;size:190;not null;default:''"`
	ChangeType ChangeType `gorm:"column:change_type;size:16;not null"`
	EntityType string     `gorm:"column:entity_type;size:64;not null"`
	EntityID   string     `gorm:"column:entity_id;size:190;not null"`
	ChangeData string     `gorm:"column:change_data;type:text;not null;default:''"`
	Version    int64      `gorm:"column:version;not null;index:idx_changes_user_version,priority:2"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Change) TableName() string {
	return "sync_changes"
}
