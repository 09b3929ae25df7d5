package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("entity: invalid user id")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("entity: invalid entity id")
	// ErrInvalidEntityType indicates that an entity type tag is empty.
	ErrInvalidEntityType = errors.New("entity: invalid entity type")
)

// Well-known entity type tags. The storage layer treats the set as open; these
// constants cover the types the reconcilers know how to route.
const (
	TypeLogbookEntry    = "logbook_entry"
	TypeGoal            = "goal"
	TypePracticePlan    = "practice_plan"
	TypePlanOccurrence  = "plan_occurrence"
	TypePlanTemplate    = "plan_template"
	TypeUserPreferences = "user_preferences"
)

// ValidateUserID checks a raw user identifier against storage bounds.
func ValidateUserID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return trimmed, nil
}

// ValidateEntityID checks a client-assigned entity identifier against storage bounds.
func ValidateEntityID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Record models one synchronized entity row with conflict resolution metadata.
type Record struct {
	ID         uint       `gorm:"column:id;primaryKey;autoIncrement"`
	UserID     string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_entities_identity,priority:1;index:idx_entities_content,priority:1"`
	EntityType string     `gorm:"column:entity_type;size:64;not null;uniqueIndex:idx_entities_identity,priority:2;index:idx_entities_content,priority:2"`
	EntityID   string     `gorm:"column:entity_id;size:190;not null;uniqueIndex:idx_entities_identity,priority:3"`
	DataJSON   string     `gorm:"column:data_json;type:text;not null"`
	Checksum   string     `gorm:"column:checksum;size:64;not null;index:idx_entities_content,priority:3"`
	Version    int64      `gorm:"column:version;not null;default:1"`
	DeviceID   string     `gorm:"column:device_id;size:190;not null;default:''"`
	Seq        int64      `gorm:"column:seq;not null;default:0"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;not null;index;autoUpdateTime:false"`
	DeletedAt  *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "entities"
}

// SequenceCounter is the single-row counter backing the global write sequence.
// It is incremented inside the same transaction as the write it stamps.
type SequenceCounter struct {
	Name  string `gorm:"column:name;primaryKey;size:64;not null"`
	Value int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SequenceCounter) TableName() string {
	return "sequence_counters"
}

// EntitySeqCounterName identifies the counter row stamped onto entity writes.
const EntitySeqCounterName = "entity_seq"

// UserSyncState keeps per-user sync bookkeeping: the legacy opaque sync token
// and the v2 change-log version watermark. The change version is a distinct
// counter space from the global entity sequence.
type UserSyncState struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	SyncToken     string    `gorm:"column:sync_token;size:64;not null;default:''"`
	ChangeVersion int64     `gorm:"column:change_version;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (UserSyncState) TableName() string {
	return "user_sync_state"
}

// UpsertOutcome names the result of an upsert attempt.
type UpsertOutcome string

const (
	// OutcomeCreated indicates a new row was inserted.
	OutcomeCreated UpsertOutcome = "created"
	// OutcomeUpdated indicates an existing row was mutated.
	OutcomeUpdated UpsertOutcome = "updated"
	// OutcomeDuplicatePrevented indicates the content already exists under a
	// different entity id and no row was written.
	OutcomeDuplicatePrevented UpsertOutcome = "duplicate_prevented"
)

// UpsertResult reports the outcome of an upsert together with the row the
// caller should consider authoritative afterwards.
type UpsertResult struct {
	Outcome UpsertOutcome
	Record  Record
}
