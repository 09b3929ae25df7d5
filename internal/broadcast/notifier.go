package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// EventType tags a broadcast event variant.
type EventType string

const (
	// EventPlanCreated announces a newly created practice plan.
	EventPlanCreated EventType = "PLAN_CREATED"
	// EventPlanUpdated announces a mutated practice plan.
	EventPlanUpdated EventType = "PLAN_UPDATED"
	// EventPlanOccurrenceCompleted announces a plan occurrence reaching the
	// completed status.
	EventPlanOccurrenceCompleted EventType = "PLAN_OCCURRENCE_COMPLETED"
)

const (
	defaultTimeout = 5 * time.Second
	secretHeader   = "X-Broadcast-Secret"
)

// Event is one sequence-numbered planning mutation handed to the fan-out
// service.
type Event struct {
	Type    EventType        `json:"type"`
	Entity  map[string]any   `json:"entity"`
	Related []map[string]any `json:"related,omitempty"`
	Seq     int64            `json:"seq"`
}

type wireEvent struct {
	Type      EventType        `json:"type"`
	Entity    map[string]any   `json:"entity"`
	Related   []map[string]any `json:"related,omitempty"`
	Seq       int64            `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
}

type wirePayload struct {
	UserID string      `json:"userId"`
	Events []wireEvent `json:"events"`
}

// NotifierConfig configures the outbound fan-out client.
type NotifierConfig struct {
	Endpoint     string
	SharedSecret string
	Timeout      time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Notifier delivers planning events to the external real-time service.
// Delivery is best effort: every failure is logged and swallowed.
type Notifier struct {
	endpoint string
	secret   string
	client   *http.Client
	clock    func() time.Time
	logger   *zap.Logger
}

// NewNotifier constructs the fan-out client. An empty endpoint yields a
// notifier that drops every event.
func NewNotifier(cfg NotifierConfig) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		endpoint: cfg.Endpoint,
		secret:   cfg.SharedSecret,
		client:   &http.Client{Timeout: timeout},
		clock:    clock,
		logger:   logger,
	}
}

// Broadcast posts the events for a user to the fan-out endpoint, stamping a
// server-side timestamp per event. The caller's success never depends on
// delivery succeeding.
func (n *Notifier) Broadcast(ctx context.Context, userID string, events []Event) {
	if n.endpoint == "" || len(events) == 0 {
		return
	}

	now := n.clock().UTC()
	payload := wirePayload{UserID: userID, Events: make([]wireEvent, 0, len(events))}
	for _, event := range events {
		payload.Events = append(payload.Events, wireEvent{
			Type:      event.Type,
			Entity:    event.Entity,
			Related:   event.Related,
			Seq:       event.Seq,
			Timestamp: now,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("broadcast payload encode failed", zap.Error(err), zap.String("user_id", userID))
		return
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("broadcast request build failed", zap.Error(err), zap.String("user_id", userID))
		return
	}
	request.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		request.Header.Set(secretHeader, n.secret)
	}

	response, err := n.client.Do(request)
	if err != nil {
		n.logger.Warn("broadcast delivery failed", zap.Error(err), zap.String("user_id", userID))
		return
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		n.logger.Warn("broadcast rejected by fan-out service",
			zap.String("user_id", userID),
			zap.String("status", fmt.Sprintf("%d", response.StatusCode)),
			zap.Int("events", len(events)))
	}
}
