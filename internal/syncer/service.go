package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cadenza-app/backend/internal/broadcast"
	"github.com/cadenza-app/backend/internal/checksum"
	"github.com/cadenza-app/backend/internal/entity"
)

var (
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
	opServiceNew = "syncer.service.new"
	opPush       = "syncer.push"
	opPull       = "syncer.pull"
	opBatch      = "syncer.batch"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Notifier hands successfully-applied planning mutations to the real-time
// fan-out service.
type Notifier interface {
	Broadcast(ctx context.Context, userID string, events []broadcast.Event)
}

// ServiceConfig describes the dependencies of the legacy sync reconciler.
type ServiceConfig struct {
	Entities   *entity.Store
	Notifier   Notifier
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service reconciles legacy push/pull/batch requests against the canonical
// entity store.
type Service struct {
	entities   *entity.Store
	notifier   Notifier
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs the legacy reconciler.
func NewService(cfg ServiceConfig) (*Service, error) {
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
		entities:   cfg.Entities,
		notifier:   cfg.Notifier,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// PushRequest is a batch of client entities grouped by kind.
type PushRequest struct {
	Entries     []map[string]any `json:"entries"`
	Goals       []map[string]any `json:"goals"`
	Plans       []map[string]any `json:"plans"`
	Occurrences []map[string]any `json:"occurrences"`
}

// Conflict reports one entity that could not be applied as submitted.
type Conflict struct {
	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"`
	Reason     string `json:"reason"`
}

// PushStats tallies per-kind outcomes for one push.
type PushStats struct {
	EntriesProcessed     int `json:"entriesProcessed"`
	GoalsProcessed       int `json:"goalsProcessed"`
	PlansProcessed       int `json:"plansProcessed"`
	OccurrencesProcessed int `json:"occurrencesProcessed"`
	DuplicatesPrevented  int `json:"duplicatesPrevented"`
	Errors               int `json:"errors"`
}

// PushResult is the response body of a legacy push.
type PushResult struct {
	Success   bool       `json:"success"`
	SyncToken string     `json:"syncToken"`
	Conflicts []Conflict `json:"conflicts"`
	Stats     PushStats  `json:"stats"`
}

type planEventKey struct {
	planID    string
	eventType broadcast.EventType
}

type planEventCandidate struct {
	event broadcast.Event
}

// Push applies a batch of client entities. Per-item failures are isolated
// into the conflict list; the batch itself only fails when sync bookkeeping
// cannot be persisted.
func (s *Service) Push(ctx context.Context, userID, deviceID string, request PushRequest) (PushResult, error) {
	result := PushResult{Conflicts: []Conflict{}}
	candidates := map[planEventKey]planEventCandidate{}

	groups := []struct {
		entityType string
		items      []map[string]any
		processed  *int
	}{
		{entity.TypeLogbookEntry, request.Entries, &result.Stats.EntriesProcessed},
		{entity.TypeGoal, request.Goals, &result.Stats.GoalsProcessed},
		{entity.TypePracticePlan, request.Plans, &result.Stats.PlansProcessed},
		{entity.TypePlanOccurrence, request.Occurrences, &result.Stats.OccurrencesProcessed},
	}

	for _, group := range groups {
		for _, item := range group.items {
			s.pushItem(ctx, userID, deviceID, group.entityType, item, group.processed, &result, candidates)
		}
	}

	token, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPush, "token_generation_failed", err, zap.String("user_id", userID))
		return PushResult{}, newServiceError(opPush, "token_generation_failed", err)
	}
	if err := s.entities.SaveSyncToken(ctx, userID, token); err != nil {
		s.logError(opPush, "sync_token_save_failed", err, zap.String("user_id", userID))
		return PushResult{}, newServiceError(opPush, "sync_token_save_failed", err)
	}
	result.SyncToken = token
	result.Success = true

	s.dispatchBroadcast(ctx, userID, candidates)
	return result, nil
}

func (s *Service) pushItem(ctx context.Context, userID, deviceID, entityType string, item map[string]any, processed *int, result *PushResult, candidates map[planEventKey]planEventCandidate) {
	payload := copyPayload(item)
	entityID := canonicalEntityID(payload)
	if entityID == "" {
		result.Stats.Errors++
		result.Conflicts = append(result.Conflicts, Conflict{
			EntityType: entityType,
			Reason:     "missing_entity_id",
		})
		return
	}

	storageUserID := userID
	if override, ok := payload["userId"].(string); ok && strings.TrimSpace(override) != "" {
		storageUserID = strings.TrimSpace(override)
	}

	if deletedAt, deleted := deletionMarker(payload, s.clock); deleted {
		if err := s.entities.SoftDelete(ctx, storageUserID, entityType, entityID, deletedAt); err != nil {
			result.Stats.Errors++
			result.Conflicts = append(result.Conflicts, Conflict{
				EntityID:   entityID,
				EntityType: entityType,
				Reason:     "delete_failed",
			})
			s.logError(opPush, "delete_failed", err,
				zap.String("entity_type", entityType), zap.String("entity_id", entityID))
			return
		}
		*processed++
		return
	}

	normalizeEnumeratedFields(payload)
	sanitized, ok := checksum.SanitizeForStorage(payload).(map[string]any)
	if !ok {
		sanitized = map[string]any{}
	}
	contentChecksum, err := checksum.Compute(checksumContent(sanitized))
	if err != nil {
		result.Stats.Errors++
		result.Conflicts = append(result.Conflicts, Conflict{
			EntityID:   entityID,
			EntityType: entityType,
			Reason:     "checksum_failed",
		})
		s.logError(opPush, "checksum_failed", err,
			zap.String("entity_type", entityType), zap.String("entity_id", entityID))
		return
	}

	upserted, err := s.entities.Upsert(ctx, entity.UpsertInput{
		UserID:     storageUserID,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       sanitized,
		Checksum:   contentChecksum,
		DeviceID:   deviceID,
	})
	if err != nil {
		result.Stats.Errors++
		result.Conflicts = append(result.Conflicts, Conflict{
			EntityID:   entityID,
			EntityType: entityType,
			Reason:     "storage_error",
		})
		s.logError(opPush, "upsert_failed", err,
			zap.String("entity_type", entityType), zap.String("entity_id", entityID))
		return
	}

	if upserted.Outcome == entity.OutcomeDuplicatePrevented {
		result.Stats.DuplicatesPrevented++
		return
	}
	*processed++
	s.collectPlanEvent(entityType, sanitized, upserted, candidates)
}

// collectPlanEvent accumulates broadcast candidates, deduplicated per plan so
// a push never emits one event per individual row write.
func (s *Service) collectPlanEvent(entityType string, payload map[string]any, upserted entity.UpsertResult, candidates map[planEventKey]planEventCandidate) {
	switch entityType {
	case entity.TypePracticePlan:
		eventType := broadcast.EventPlanUpdated
		if upserted.Outcome == entity.OutcomeCreated {
			eventType = broadcast.EventPlanCreated
		}
		key := planEventKey{planID: upserted.Record.EntityID, eventType: eventType}
		s.keepHighestSeq(candidates, key, broadcast.Event{
			Type:   eventType,
			Entity: payload,
			Seq:    upserted.Record.Seq,
		})
	case entity.TypePlanOccurrence:
		status, _ := payload["status"].(string)
		if !strings.EqualFold(strings.TrimSpace(status), "completed") {
			return
		}
		planID, _ := payload["planId"].(string)
		if planID == "" {
			planID = upserted.Record.EntityID
		}
		key := planEventKey{planID: planID, eventType: broadcast.EventPlanOccurrenceCompleted}
		s.keepHighestSeq(candidates, key, broadcast.Event{
			Type:   broadcast.EventPlanOccurrenceCompleted,
			Entity: payload,
			Seq:    upserted.Record.Seq,
		})
	}
}

func (s *Service) keepHighestSeq(candidates map[planEventKey]planEventCandidate, key planEventKey, event broadcast.Event) {
	if existing, ok := candidates[key]; ok && existing.event.Seq >= event.Seq {
		return
	}
	candidates[key] = planEventCandidate{event: event}
}

func (s *Service) dispatchBroadcast(ctx context.Context, userID string, candidates map[planEventKey]planEventCandidate) {
	if s.notifier == nil || len(candidates) == 0 {
		return
	}
	events := make([]broadcast.Event, 0, len(candidates))
	for _, candidate := range candidates {
		events = append(events, candidate.event)
	}
	sort.Slice(events, func(left, right int) bool {
		return events[left].Seq < events[right].Seq
	})
	detached := context.WithoutCancel(ctx)
	go s.notifier.Broadcast(detached, userID, events)
}

// Pull returns the user's non-deleted entities grouped by type with
// enumerated fields normalized. Entities with unparseable payloads are
// skipped individually.
func (s *Service) Pull(ctx context.Context, userID, entityType string) map[string][]map[string]any {
	records := s.entities.GetAll(ctx, userID, entityType)
	grouped := map[string][]map[string]any{}
	for _, record := range records {
		var payload map[string]any
		if err := json.Unmarshal([]byte(record.DataJSON), &payload); err != nil {
			s.logError(opPull, "payload_decode_failed", err,
				zap.String("user_id", userID), zap.String("entity_id", record.EntityID))
			continue
		}
		normalizeEnumeratedFields(payload)
		grouped[record.EntityType] = append(grouped[record.EntityType], payload)
	}
	return grouped
}

// BatchItem is one client entity in a bidirectional reconciliation request.
type BatchItem struct {
	EntityType string         `json:"type"`
	EntityID   string         `json:"id"`
	Data       map[string]any `json:"data"`
	Checksum   string         `json:"checksum"`
	Version    int64          `json:"version"`
}

// VersionConflict reports a stale client version against the cloud row.
type VersionConflict struct {
	EntityID      string `json:"entityId"`
	LocalVersion  int64  `json:"localVersion"`
	RemoteVersion int64  `json:"remoteVersion"`
}

// BatchResult is the response body of a bidirectional reconciliation.
type BatchResult struct {
	Uploaded            int               `json:"uploaded"`
	Downloaded          int               `json:"downloaded"`
	DuplicatesPrevented int               `json:"duplicatesPrevented"`
	Conflicts           []VersionConflict `json:"conflicts"`
	NewSyncToken        string            `json:"newSyncToken"`
}

// Batch compares a set of client entities against the full cloud snapshot:
// absent entities upload, newer client versions win, stale versions surface
// as conflicts, equal checksums are no-ops. Cloud entities the batch never
// referenced are counted as pending download.
func (s *Service) Batch(ctx context.Context, userID, deviceID string, items []BatchItem) (BatchResult, error) {
	result := BatchResult{Conflicts: []VersionConflict{}}

	type cloudKey struct {
		entityType string
		entityID   string
	}
	snapshot := map[cloudKey]entity.Record{}
	for _, record := range s.entities.GetAll(ctx, userID, "") {
		snapshot[cloudKey{record.EntityType, record.EntityID}] = record
	}
	referenced := map[cloudKey]bool{}

	for _, item := range items {
		key := cloudKey{item.EntityType, item.EntityID}
		sanitized, ok := checksum.SanitizeForStorage(item.Data).(map[string]any)
		if !ok {
			sanitized = map[string]any{}
		}
		itemChecksum := item.Checksum
		if itemChecksum == "" {
			computed, err := checksum.Compute(sanitized)
			if err != nil {
				s.logError(opBatch, "checksum_failed", err, zap.String("entity_id", item.EntityID))
				continue
			}
			itemChecksum = computed
		}

		cloud, exists := snapshot[key]
		if exists {
			referenced[key] = true
		}

		switch {
		case !exists:
			version := int64(1)
			upserted, err := s.entities.Upsert(ctx, entity.UpsertInput{
				UserID:     userID,
				EntityType: item.EntityType,
				EntityID:   item.EntityID,
				Data:       sanitized,
				Checksum:   itemChecksum,
				Version:    &version,
				DeviceID:   deviceID,
			})
			if err != nil {
				s.logError(opBatch, "upload_failed", err, zap.String("entity_id", item.EntityID))
				continue
			}
			if upserted.Outcome == entity.OutcomeDuplicatePrevented {
				result.DuplicatesPrevented++
				continue
			}
			result.Uploaded++
		case cloud.Checksum == itemChecksum:
			// Already in sync.
		case item.Version >= cloud.Version:
			nextVersion := item.Version + 1
			upserted, err := s.entities.Upsert(ctx, entity.UpsertInput{
				UserID:     userID,
				EntityType: item.EntityType,
				EntityID:   item.EntityID,
				Data:       sanitized,
				Checksum:   itemChecksum,
				Version:    &nextVersion,
				DeviceID:   deviceID,
			})
			if err != nil {
				s.logError(opBatch, "upload_failed", err, zap.String("entity_id", item.EntityID))
				continue
			}
			if upserted.Outcome == entity.OutcomeDuplicatePrevented {
				result.DuplicatesPrevented++
				continue
			}
			result.Uploaded++
		default:
			result.Conflicts = append(result.Conflicts, VersionConflict{
				EntityID:      item.EntityID,
				LocalVersion:  item.Version,
				RemoteVersion: cloud.Version,
			})
		}
	}

	for key := range snapshot {
		if !referenced[key] {
			result.Downloaded++
		}
	}

	token, err := s.idProvider.NewID()
	if err != nil {
		return BatchResult{}, newServiceError(opBatch, "token_generation_failed", err)
	}
	if err := s.entities.SaveSyncToken(ctx, userID, token); err != nil {
		return BatchResult{}, newServiceError(opBatch, "sync_token_save_failed", err)
	}
	result.NewSyncToken = token
	return result, nil
}

func deletionMarker(payload map[string]any, clock func() time.Time) (time.Time, bool) {
	raw, present := payload["deletedAt"]
	if !present || raw == nil {
		return time.Time{}, false
	}
	switch typed := raw.(type) {
	case string:
		if strings.TrimSpace(typed) == "" {
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339, typed)
		if err != nil {
			return clock().UTC(), true
		}
		return parsed.UTC(), true
	case float64:
		return time.Unix(int64(typed), 0).UTC(), true
	case bool:
		if typed {
			return clock().UTC(), true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
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
	s.logger.Error("sync reconciler error", attrs...)
}
