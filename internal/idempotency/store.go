package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cadenza-app/backend/internal/checksum"
)

// DefaultTTL bounds how long a stored response stays replayable.
const DefaultTTL = 24 * time.Hour

var (
	// ErrKeyConflict indicates a client reused an idempotency key for a
	// different request body. A client programming error, not transient.
	ErrKeyConflict = errors.New("idempotency: key reused for a different request")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// volatileFields are stripped from request bodies before hashing so retries
// that only differ in request metadata still match.
var volatileFields = []string{"timestamp", "requestId"}

// Record stores the replayable result of a previously handled request.
type Record struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_idempotency_user_key,priority:1"`
	Key         string    `gorm:"column:key;size:190;not null;uniqueIndex:idx_idempotency_user_key,priority:2"`
	RequestHash string    `gorm:"column:request_hash;size:64;not null"`
	Response    string    `gorm:"column:response;type:text;not null"`
	ExpiresAt   time.Time `gorm:"column:expires_at;not null;index"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "idempotency_records"
}

// StoreConfig describes the dependencies of the idempotency store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	TTL      time.Duration
	Logger   *zap.Logger
}

// Store persists request-hash to response mappings keyed by a client-supplied
// idempotency key, replaying prior responses for duplicate requests.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	ttl    time.Duration
	logger *zap.Logger
}

// NewStore constructs the idempotency store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("idempotency: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, ttl: ttl, logger: logger}, nil
}

// Check looks up a live record for (key, userID). A matching request hash
// replays the stored response; a mismatched hash reports ErrKeyConflict.
// Storage errors during lookup fail open: idempotency is a best-effort
// optimization, not a correctness backstop.
func (s *Store) Check(ctx context.Context, key, userID string, requestBody map[string]any) (json.RawMessage, bool, error) {
	requestHash, err := hashRequest(requestBody)
	if err != nil {
		s.logger.Warn("idempotency request hash failed", zap.Error(err), zap.String("user_id", userID))
		return nil, false, nil
	}

	var record Record
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND key = ? AND expires_at > ?", userID, key, s.clock().UTC()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		s.logger.Warn("idempotency lookup failed, proceeding without replay",
			zap.Error(err), zap.String("user_id", userID))
		return nil, false, nil
	}

	if record.RequestHash != requestHash {
		return nil, false, fmt.Errorf("%w: key %q", ErrKeyConflict, key)
	}
	return json.RawMessage(record.Response), true, nil
}

// Save stores the hash/response pair for later replay. Failure is logged and
// swallowed; it never fails the primary operation.
func (s *Store) Save(ctx context.Context, key, userID string, requestBody map[string]any, response json.RawMessage) {
	requestHash, err := hashRequest(requestBody)
	if err != nil {
		s.logger.Warn("idempotency request hash failed, skipping save",
			zap.Error(err), zap.String("user_id", userID))
		return
	}
	record := Record{
		UserID:      userID,
		Key:         key,
		RequestHash: requestHash,
		Response:    string(response),
		ExpiresAt:   s.clock().UTC().Add(s.ttl),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"request_hash": record.RequestHash,
			"response":     record.Response,
			"expires_at":   record.ExpiresAt,
		}),
	}).Create(&record).Error
	if err != nil {
		s.logger.Warn("idempotency save failed",
			zap.Error(err), zap.String("user_id", userID), zap.String("key", key))
	}
}

// PurgeExpired removes records whose expiry has passed and reports how many
// rows were deleted. Intended for a periodic sweep.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.clock().UTC()).
		Delete(&Record{})
	if result.Error != nil {
		return 0, fmt.Errorf("idempotency: purge failed: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Outcome reports the result of a WithIdempotency call.
type Outcome struct {
	Response    json.RawMessage
	WasReplayed bool
}

// WithIdempotency runs handler at most once for the given key. Without a key
// the handler always runs. The handler's result is serialized before storage
// so replays are byte-identical.
func (s *Store) WithIdempotency(ctx context.Context, key, userID string, requestBody map[string]any, handler func(context.Context) (any, error)) (Outcome, error) {
	if key == "" {
		response, err := handler(ctx)
		if err != nil {
			return Outcome{}, err
		}
		encoded, err := json.Marshal(response)
		if err != nil {
			return Outcome{}, fmt.Errorf("idempotency: response encode failed: %w", err)
		}
		return Outcome{Response: encoded, WasReplayed: false}, nil
	}

	replay, found, err := s.Check(ctx, key, userID, requestBody)
	if err != nil {
		return Outcome{}, err
	}
	if found {
		return Outcome{Response: replay, WasReplayed: true}, nil
	}

	response, err := handler(ctx)
	if err != nil {
		return Outcome{}, err
	}
	encoded, err := json.Marshal(response)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency: response encode failed: %w", err)
	}
	s.Save(ctx, key, userID, requestBody, encoded)
	return Outcome{Response: encoded, WasReplayed: false}, nil
}

// hashRequest computes the canonical hash of a request body with volatile
// fields stripped, so retried requests hash identically.
func hashRequest(requestBody map[string]any) (string, error) {
	normalized := make(map[string]any, len(requestBody))
	for key, value := range requestBody {
		normalized[key] = value
	}
	for _, field := range volatileFields {
		delete(normalized, field)
	}
	sanitized := checksum.SanitizeForStorage(normalized)
	return checksum.Compute(sanitized)
}
