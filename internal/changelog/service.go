package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cadenza-app/backend/internal/entity"
	"github.com/cadenza-app/backend/internal/syncer"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingEntityStore = errors.New("entity store is required")
	errMissingIDProvider  = errors.New("id provider is required")
	noOpLogger            = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "changelog.service.new"
	opSync       = "changelog.sync"
	opMigrate    = "changelog.migrate"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the append-only reconciler.
type ServiceConfig struct {
	Database   *gorm.DB
	Entities   *entity.Store
	IDProvider syncer.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service implements the v2 append-only sync protocol. Every mutation is
// logged as an immutable change record with a per-user incrementing version;
// the canonical entity table is written in parallel for backward read
// compatibility.
type Service struct {
	db         *gorm.DB
	entities   *entity.Store
	idProvider syncer.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs the change-log reconciler.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Entities == nil {
		return nil, newServiceError(opServiceNew, "missing_entity_store", errMissingEntityStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		entities:   cfg.Entities,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// IncomingChange is one client-submitted mutation.
type IncomingChange struct {
	ChangeID   string         `json:"changeId"`
	ChangeType string         `json:"changeType"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	ChangeData map[string]any `json:"changeData"`
}

// SyncRequest is the v2 exchange payload.
type SyncRequest struct {
	LastKnownServerVersion int64            `json:"lastKnownServerVersion"`
	Changes                []IncomingChange `json:"changes"`
}

// OutgoingChange is one change record returned to a pulling client.
type OutgoingChange struct {
	ChangeID   string         `json:"changeId"`
	DeviceID   string         `json:"deviceId,omitempty"`
	ChangeType ChangeType     `json:"changeType"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	ChangeData map[string]any `json:"changeData,omitempty"`
	Version    int64          `json:"version"`
}

// ChangeConflict reports one change that could not be applied.
type ChangeConflict struct {
	ChangeID string `json:"changeId"`
	Reason   string `json:"reason"`
}

// SyncResponse is the v2 exchange result.
type SyncResponse struct {
	NewChanges          []OutgoingChange `json:"newChanges"`
	LatestServerVersion int64            `json:"latestServerVersion"`
	Conflicts           []ChangeConflict `json:"conflicts"`
}

// Sync applies the submitted changes and returns every change record newer
// than the client's watermark. Per-change failures are isolated into the
// conflict list.
func (s *Service) Sync(ctx context.Context, userID, deviceID string, request SyncRequest) (SyncResponse, error) {
	response := SyncResponse{NewChanges: []OutgoingChange{}, Conflicts: []ChangeConflict{}}

	for _, incoming := range request.Changes {
		if reason := s.applyChange(ctx, userID, deviceID, incoming); reason != "" {
			response.Conflicts = append(response.Conflicts, ChangeConflict{
				ChangeID: incoming.ChangeID,
				Reason:   reason,
			})
		}
	}

	var stored []Change
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND version > ?", userID, request.LastKnownServerVersion).
		Order("version ASC").
		Find(&stored).Error
	if err != nil {
		s.logError(opSync, "change_query_failed", err, zap.String("user_id", userID))
		return SyncResponse{}, newServiceError(opSync, "change_query_failed", err)
	}
	for _, change := range stored {
		response.NewChanges = append(response.NewChanges, toOutgoing(change))
	}

	latest, err := s.latestVersion(ctx, userID)
	if err != nil {
		return SyncResponse{}, err
	}
	response.LatestServerVersion = latest
	return response, nil
}

// applyChange logs and mirrors one mutation atomically. An empty return
// string means success; anything else is the conflict reason.
func (s *Service) applyChange(ctx context.Context, userID, deviceID string, incoming IncomingChange) string {
	changeID := strings.TrimSpace(incoming.ChangeID)
	if changeID == "" {
		return "missing_change_id"
	}
	changeType, err := ParseChangeType(incoming.ChangeType)
	if err != nil {
		return "invalid_change_type"
	}
	entityID := strings.TrimSpace(incoming.EntityID)
	if entityID == "" {
		return "missing_entity_id"
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Change
		err := tx.Where("change_id = ? AND user_id = ?", changeID, userID).Take(&existing).Error
		if err == nil {
			// Idempotent by construction: the change id was already applied.
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("change lookup failed: %w", err)
		}

		version, err := nextChangeVersion(tx, userID)
		if err != nil {
			return fmt.Errorf("version allocation failed: %w", err)
		}

		encoded := ""
		if changeType != ChangeTypeDeleted && incoming.ChangeData != nil {
			raw, err := json.Marshal(incoming.ChangeData)
			if err != nil {
				return fmt.Errorf("change data encode failed: %w", err)
			}
			encoded = string(raw)
		}

		record := Change{
			ChangeID:   changeID,
			UserID:     userID,
			DeviceID:   deviceID,
			ChangeType: changeType,
			EntityType: incoming.EntityType,
			EntityID:   entityID,
			ChangeData: encoded,
			Version:    version,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("change insert failed: %w", err)
		}

		return s.mirrorChange(ctx, tx, userID, deviceID, changeType, incoming)
	})
	if txErr != nil {
		s.logError(opSync, "change_apply_failed", txErr,
			zap.String("user_id", userID), zap.String("change_id", changeID))
		return "apply_failed"
	}
	return ""
}

// mirrorChange writes the change's effect through to the canonical entity
// table so legacy pull paths keep seeing current state.
func (s *Service) mirrorChange(ctx context.Context, tx *gorm.DB, userID, deviceID string, changeType ChangeType, incoming IncomingChange) error {
	scoped, err := entity.NewStore(entity.StoreConfig{Database: tx, Clock: s.clock, Logger: s.logger})
	if err != nil {
		return err
	}

	switch changeType {
	case ChangeTypeDeleted:
		return scoped.SoftDelete(ctx, userID, incoming.EntityType, incoming.EntityID, s.clock().UTC())
	case ChangeTypeCreated:
		_, err := scoped.Upsert(ctx, entity.UpsertInput{
			UserID:     userID,
			EntityType: incoming.EntityType,
			EntityID:   incoming.EntityID,
			Data:       incoming.ChangeData,
			DeviceID:   deviceID,
		})
		return err
	case ChangeTypeUpdated:
		current, err := scoped.Get(ctx, userID, incoming.EntityType, incoming.EntityID)
		if err != nil {
			return err
		}
		merged := map[string]any{}
		if current != nil {
			if err := json.Unmarshal([]byte(current.DataJSON), &merged); err != nil {
				merged = map[string]any{}
			}
		}
		for key, value := range incoming.ChangeData {
			merged[key] = value
		}
		_, err = scoped.Upsert(ctx, entity.UpsertInput{
			UserID:     userID,
			EntityType: incoming.EntityType,
			EntityID:   incoming.EntityID,
			Data:       merged,
			DeviceID:   deviceID,
		})
		return err
	default:
		return ErrInvalidChangeType
	}
}

// Migrate seeds the change log from the user's current entity snapshot,
// converting each live row into a synthetic CREATED change. It is a no-op
// when the user already has any change records: idempotent at the user
// granularity, not the row granularity.
func (s *Service) Migrate(ctx context.Context, userID string) (int, error) {
	var existing int64
	err := s.db.WithContext(ctx).Model(&Change{}).
		Where("user_id = ?", userID).
		Count(&existing).Error
	if err != nil {
		return 0, newServiceError(opMigrate, "count_failed", err)
	}
	if existing > 0 {
		return 0, nil
	}

	snapshot := s.entities.GetAll(ctx, userID, "")
	seeded := 0
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range snapshot {
			changeID, err := s.idProvider.NewID()
			if err != nil {
				return fmt.Errorf("change id generation failed: %w", err)
			}
			version, err := nextChangeVersion(tx, userID)
			if err != nil {
				return fmt.Errorf("version allocation failed: %w", err)
			}
			change := Change{
				ChangeID:   changeID,
				UserID:     userID,
				DeviceID:   record.DeviceID,
				ChangeType: ChangeTypeCreated,
				EntityType: record.EntityType,
				EntityID:   record.EntityID,
				ChangeData: record.DataJSON,
				Version:    version,
			}
			if err := tx.Create(&change).Error; err != nil {
				return fmt.Errorf("change insert failed: %w", err)
			}
			seeded++
		}
		return nil
	})
	if txErr != nil {
		s.logError(opMigrate, "seed_failed", txErr, zap.String("user_id", userID))
		return 0, newServiceError(opMigrate, "seed_failed", txErr)
	}
	return seeded, nil
}

func (s *Service) latestVersion(ctx context.Context, userID string) (int64, error) {
	var state entity.UserSyncState
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opSync, "state_query_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opSync, "state_query_failed", err)
	}
	return state.ChangeVersion, nil
}

// nextChangeVersion atomically advances and reads the user's change version
// watermark inside the caller's transaction.
func nextChangeVersion(tx *gorm.DB, userID string) (int64, error) {
	update := tx.Model(&entity.UserSyncState{}).
		Where("user_id = ?", userID).
		Update("change_version", gorm.Expr("change_version + 1"))
	if update.Error != nil {
		return 0, update.Error
	}
	if update.RowsAffected == 0 {
		seeded := entity.UserSyncState{UserID: userID, ChangeVersion: 1}
		if err := tx.Create(&seeded).Error; err != nil {
			return 0, err
		}
		return 1, nil
	}
	var state entity.UserSyncState
	if err := tx.Where("user_id = ?", userID).Take(&state).Error; err != nil {
		return 0, err
	}
	return state.ChangeVersion, nil
}

func toOutgoing(change Change) OutgoingChange {
	outgoing := OutgoingChange{
		ChangeID:   change.ChangeID,
		DeviceID:   change.DeviceID,
		ChangeType: change.ChangeType,
		EntityType: change.EntityType,
		EntityID:   change.EntityID,
		Version:    change.Version,
	}
	if change.ChangeData != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(change.ChangeData), &payload); err == nil {
			outgoing.ChangeData = payload
		}
	}
	return outgoing
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("change log error", attrs...)
}
