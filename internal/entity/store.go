package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cadenza-app/backend/internal/checksum"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a dotted operation code alongside its cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew   = "entity.store.new"
	opUpsert     = "entity.upsert"
	opSoftDelete = "entity.soft_delete"
	opGetAll     = "entity.get_all"
	opGet        = "entity.get"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig describes the dependencies the entity store requires.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists the canonical per-user entity table and allocates the global
// write sequence.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the canonical entity store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// UpsertInput carries one entity write.
type UpsertInput struct {
	UserID     string
	EntityType string
	EntityID   string
	Data       map[string]any
	Checksum   string
	Version    *int64
	DeviceID   string
}

// Upsert applies a single entity mutation: sanitizes the payload, suppresses
// duplicate content submitted under a fresh entity id, and otherwise inserts
// or updates the canonical row, stamping it with the next global sequence
// value inside the same transaction.
func (s *Store) Upsert(ctx context.Context, input UpsertInput) (UpsertResult, error) {
	userID, err := ValidateUserID(input.UserID)
	if err != nil {
		return UpsertResult{}, newStoreError(opUpsert, "invalid_user_id", err)
	}
	entityID, err := ValidateEntityID(input.EntityID)
	if err != nil {
		return UpsertResult{}, newStoreError(opUpsert, "invalid_entity_id", err)
	}
	entityType := strings.TrimSpace(input.EntityType)
	if entityType == "" {
		return UpsertResult{}, newStoreError(opUpsert, "invalid_entity_type", ErrInvalidEntityType)
	}

	sanitized, ok := checksum.SanitizeForStorage(input.Data).(map[string]any)
	if !ok {
		sanitized = map[string]any{}
	}
	deletedAt := extractDeletedAt(sanitized)

	contentChecksum := strings.TrimSpace(input.Checksum)
	if contentChecksum == "" {
		contentChecksum, err = checksum.Compute(sanitized)
		if err != nil {
			return UpsertResult{}, newStoreError(opUpsert, "checksum_failed", err)
		}
	}

	encoded, err := json.Marshal(sanitized)
	if err != nil {
		return UpsertResult{}, newStoreError(opUpsert, "payload_encode_failed", err)
	}

	var result UpsertResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Duplicate content submitted under a fresh id: a retry that
		// regenerated its local identifier. Point at the existing row.
		var duplicate Record
		err := tx.Where(
			"user_id = ? AND entity_type = ? AND checksum = ? AND entity_id <> ? AND deleted_at IS NULL",
			userID, entityType, contentChecksum, entityID,
		).Take(&duplicate).Error
		if err == nil {
			result = UpsertResult{Outcome: OutcomeDuplicatePrevented, Record: duplicate}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opUpsert, "duplicate_lookup_failed", err)
		}

		var existing Record
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND entity_type = ? AND entity_id = ?", userID, entityType, entityID).
			Take(&existing).Error
		now := s.clock().UTC()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			version := int64(1)
			if input.Version != nil && *input.Version > 0 {
				version = *input.Version
			}
			seq, seqErr := nextSequence(tx)
			if seqErr != nil {
				return newStoreError(opUpsert, "sequence_failed", seqErr)
			}
			created := Record{
				UserID:     userID,
				EntityType: entityType,
				EntityID:   entityID,
				DataJSON:   string(encoded),
				Checksum:   contentChecksum,
				Version:    version,
				DeviceID:   input.DeviceID,
				Seq:        seq,
				CreatedAt:  now,
				UpdatedAt:  now,
				DeletedAt:  deletedAt,
			}
			if createErr := tx.Create(&created).Error; createErr != nil {
				if !isUniqueViolation(createErr) {
					return newStoreError(opUpsert, "entity_insert_failed", createErr)
				}
				// Lost the race against a concurrent writer of the same
				// content. Re-query and report the surviving row.
				var raced Record
				raceErr := tx.Where(
					"user_id = ? AND entity_type = ? AND checksum = ?",
					userID, entityType, contentChecksum,
				).Take(&raced).Error
				if raceErr != nil {
					return newStoreError(opUpsert, "entity_insert_failed", createErr)
				}
				result = UpsertResult{Outcome: OutcomeDuplicatePrevented, Record: raced}
				return nil
			}
			result = UpsertResult{Outcome: OutcomeCreated, Record: created}
			return nil
		}
		if err != nil {
			return newStoreError(opUpsert, "entity_lookup_failed", err)
		}

		seq, seqErr := nextSequence(tx)
		if seqErr != nil {
			return newStoreError(opUpsert, "sequence_failed", seqErr)
		}
		existing.DataJSON = string(encoded)
		existing.Checksum = contentChecksum
		if input.Version != nil && *input.Version > existing.Version {
			existing.Version = *input.Version
		} else {
			existing.Version = existing.Version + 1
		}
		existing.DeviceID = input.DeviceID
		existing.Seq = seq
		existing.UpdatedAt = now
		existing.DeletedAt = deletedAt
		if saveErr := tx.Save(&existing).Error; saveErr != nil {
			return newStoreError(opUpsert, "entity_save_failed", saveErr)
		}
		result = UpsertResult{Outcome: OutcomeUpdated, Record: existing}
		return nil
	})
	if txErr != nil {
		s.logError(opUpsert, "transaction_failed", txErr,
			zap.String("user_id", userID),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID))
		return UpsertResult{}, txErr
	}
	return result, nil
}

// SoftDelete marks a row logically absent without touching checksum or
// version bookkeeping.
func (s *Store) SoftDelete(ctx context.Context, userID, entityType, entityID string, deletedAt time.Time) error {
	validUserID, err := ValidateUserID(userID)
	if err != nil {
		return newStoreError(opSoftDelete, "invalid_user_id", err)
	}
	validEntityID, err := ValidateEntityID(entityID)
	if err != nil {
		return newStoreError(opSoftDelete, "invalid_entity_id", err)
	}

	now := s.clock().UTC()
	deletedAtUTC := deletedAt.UTC()
	update := s.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ? AND entity_type = ? AND entity_id = ?", validUserID, entityType, validEntityID).
		Updates(map[string]any{
			"deleted_at": &deletedAtUTC,
			"updated_at": now,
		})
	if update.Error != nil {
		s.logError(opSoftDelete, "update_failed", update.Error,
			zap.String("user_id", validUserID),
			zap.String("entity_id", validEntityID))
		return newStoreError(opSoftDelete, "update_failed", update.Error)
	}
	return nil
}

// GetAll returns the user's non-deleted rows ordered by most recent update,
// optionally filtered by entity type. Read-path availability beats strict
// error signaling here: a failed query yields an empty slice.
func (s *Store) GetAll(ctx context.Context, userID string, entityType string) []Record {
	return s.list(ctx, userID, entityType, false)
}

// GetAllIncludingDeleted behaves like GetAll but returns soft-deleted rows as
// well. Intended for diagnostics and tests.
func (s *Store) GetAllIncludingDeleted(ctx context.Context, userID string, entityType string) []Record {
	return s.list(ctx, userID, entityType, true)
}

func (s *Store) list(ctx context.Context, userID, entityType string, includeDeleted bool) []Record {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	if !includeDeleted {
		query = query.Where("deleted_at IS NULL")
	}

	var records []Record
	if err := query.Order("updated_at DESC").Find(&records).Error; err != nil {
		s.logError(opGetAll, "query_failed", err, zap.String("user_id", userID))
		return []Record{}
	}
	return records
}

// Get looks up a single row by identity regardless of delete state.
func (s *Store) Get(ctx context.Context, userID, entityType, entityID string) (*Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND entity_type = ? AND entity_id = ?", userID, entityType, entityID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("user_id", userID))
		return nil, newStoreError(opGet, "query_failed", err)
	}
	return &record, nil
}

// SaveSyncToken persists the user's current opaque sync token.
func (s *Store) SaveSyncToken(ctx context.Context, userID, token string) error {
	state := UserSyncState{UserID: userID, SyncToken: token}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{"sync_token": token}),
	}).Create(&state).Error
	if err != nil {
		return newStoreError("entity.save_sync_token", "upsert_failed", err)
	}
	return nil
}

// nextSequence atomically advances and reads the shared write counter inside
// the caller's transaction. Two concurrent writers never observe the same
// value because the row update serializes them.
func nextSequence(tx *gorm.DB) (int64, error) {
	update := tx.Model(&SequenceCounter{}).
		Where("name = ?", EntitySeqCounterName).
		Update("value", gorm.Expr("value + 1"))
	if update.Error != nil {
		return 0, update.Error
	}
	if update.RowsAffected == 0 {
		seeded := SequenceCounter{Name: EntitySeqCounterName, Value: 1}
		if err := tx.Create(&seeded).Error; err != nil {
			return 0, err
		}
		return 1, nil
	}
	var counter SequenceCounter
	if err := tx.Where("name = ?", EntitySeqCounterName).Take(&counter).Error; err != nil {
		return 0, err
	}
	return counter.Value, nil
}

func extractDeletedAt(data map[string]any) *time.Time {
	raw, present := data["deletedAt"]
	if !present || raw == nil {
		return nil
	}
	switch typed := raw.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, typed)
		if err != nil {
			return nil
		}
		parsedUTC := parsed.UTC()
		return &parsedUTC
	case float64:
		parsed := time.Unix(int64(typed), 0).UTC()
		return &parsed
	default:
		return nil
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("entity store error", attrs...)
}
