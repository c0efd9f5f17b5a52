package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"warden.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches a request identifier to the context for audit lines.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// EnsureRequestID attaches a generated request identifier when the context
// carries none, so every audit line of one call chain shares an id.
func EnsureRequestID(ctx context.Context) context.Context {
	if requestIDFromContext(ctx) != "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, uuid.NewString())
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// dropWarn throttles "audit store unavailable" warnings so a logging outage
// cannot flood stdout on the hot read path.
var dropWarn = rate.NewLimiter(rate.Every(10*time.Second), 1)

// LogEvent writes an event as a JSON line to the shared logger. This is the
// best-effort mirror used for read-only permission checks: failures are
// reported to the caller but must not be treated as fatal there.
func LogEvent(ctx context.Context, evt *Event) error {
	if evt == nil || strings.TrimSpace(evt.EventType) == "" {
		return errors.New("event type is required")
	}
	occurred := evt.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	entry := map[string]any{
		"ts":       occurred.Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    evt.EventType,
		"category": evt.Category,
		"action":   evt.Action,
		"result":   evt.Result,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if evt.ActorUserID != "" {
		entry["user_id"] = evt.ActorUserID
	}
	if evt.ActorOrgID != "" {
		entry["org_id"] = evt.ActorOrgID
	}
	if evt.ResourceType != "" {
		entry["resource_type"] = evt.ResourceType
		entry["resource_id"] = evt.ResourceID
	}
	if len(evt.Details) > 0 {
		details := make(map[string]any, len(evt.Details))
		for k, v := range evt.Details {
			details[k] = v
		}
		entry["details"] = details
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// BestEffort appends to the store and falls back to the JSON-line mirror on
// failure. Read-only checks use this so an audit outage degrades to a warning
// instead of denying service.
func BestEffort(ctx context.Context, store Store, evt *Event) {
	if store != nil {
		if err := store.Append(ctx, evt); err == nil {
			return
		} else if dropWarn.Allow() {
			obs.LogEvent(map[string]any{
				"level": "warn",
				"msg":   "audit store unavailable, falling back to log mirror",
				"err":   err.Error(),
			})
		}
	}
	_ = LogEvent(ctx, evt)
}
