package logging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const (
	contextKeyWideEvent contextKey = "wide_event"
	contextKeyTraceID   contextKey = "trace_id"
)

// WideEvent is a single structured log entry covering one request. Handlers
// and services enrich it as the request flows through them and the HTTP
// middleware emits it once at the end.
type WideEvent struct {
	mu sync.Mutex

	TraceID   string
	EventType string
	Timestamp time.Time

	HTTPMethod     string
	HTTPPath       string
	HTTPStatusCode int
	HTTPDurationMs int64

	UserEmail string

	// Payment context
	SessionID   string
	EventID     string
	PaymentType string
	Outcome     string
	Delta       int64

	Partner string

	Error          string
	ErrorCode      string
	PanicRecovered bool

	Metadata map[string]any
}

// NewWideEvent creates a new WideEvent with a trace ID and timestamp
func NewWideEvent(eventType string) *WideEvent {
	return &WideEvent{
		TraceID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
		Metadata:  make(map[string]any),
	}
}

// WithContext attaches a WideEvent to a context
func WithContext(ctx context.Context, event *WideEvent) context.Context {
	ctx = context.WithValue(ctx, contextKeyWideEvent, event)
	ctx = context.WithValue(ctx, contextKeyTraceID, event.TraceID)
	return ctx
}

// FromContext retrieves the WideEvent from a context
func FromContext(ctx context.Context) *WideEvent {
	if event, ok := ctx.Value(contextKeyWideEvent).(*WideEvent); ok {
		return event
	}
	return nil
}

// GetTraceID retrieves just the trace ID from context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(contextKeyTraceID).(string); ok {
		return traceID
	}
	return ""
}

func enrich(ctx context.Context, fn func(e *WideEvent)) {
	if event := FromContext(ctx); event != nil {
		event.mu.Lock()
		fn(event)
		event.mu.Unlock()
	}
}

func EnrichHTTP(ctx context.Context, method, path string) {
	enrich(ctx, func(e *WideEvent) {
		e.HTTPMethod = method
		e.HTTPPath = path
	})
}

func EnrichHTTPStatus(ctx context.Context, statusCode int) {
	enrich(ctx, func(e *WideEvent) { e.HTTPStatusCode = statusCode })
}

func EnrichHTTPDuration(ctx context.Context, duration time.Duration) {
	enrich(ctx, func(e *WideEvent) { e.HTTPDurationMs = duration.Milliseconds() })
}

func EnrichUser(ctx context.Context, email string) {
	enrich(ctx, func(e *WideEvent) { e.UserEmail = email })
}

func EnrichPartner(ctx context.Context, partner string) {
	enrich(ctx, func(e *WideEvent) { e.Partner = partner })
}

func EnrichPayment(ctx context.Context, sessionID, eventID, paymentType string) {
	enrich(ctx, func(e *WideEvent) {
		e.SessionID = sessionID
		e.EventID = eventID
		e.PaymentType = paymentType
	})
}

func EnrichOutcome(ctx context.Context, outcome string, delta int64) {
	enrich(ctx, func(e *WideEvent) {
		e.Outcome = outcome
		e.Delta = delta
	})
}

func EnrichError(ctx context.Context, err error, code string) {
	if err == nil {
		return
	}
	enrich(ctx, func(e *WideEvent) {
		e.Error = err.Error()
		e.ErrorCode = code
	})
}

func EnrichPanic(ctx context.Context) {
	enrich(ctx, func(e *WideEvent) { e.PanicRecovered = true })
}

func EnrichMetadata(ctx context.Context, key string, value any) {
	enrich(ctx, func(e *WideEvent) { e.Metadata[key] = value })
}

// Emit writes the WideEvent through the global zerolog logger.
func Emit(ctx context.Context) {
	EmitTo(ctx, log.Logger)
}

func EmitTo(ctx context.Context, logger zerolog.Logger) {
	event := FromContext(ctx)
	if event == nil {
		return
	}
	event.mu.Lock()
	defer event.mu.Unlock()

	level := zerolog.InfoLevel
	if event.PanicRecovered || event.HTTPStatusCode >= 500 {
		level = zerolog.ErrorLevel
	} else if event.Error != "" {
		level = zerolog.WarnLevel
	}

	entry := logger.WithLevel(level).
		Str("trace_id", event.TraceID).
		Str("event_type", event.EventType).
		Time("timestamp", event.Timestamp)

	if event.HTTPMethod != "" {
		entry = entry.Str("http_method", event.HTTPMethod).Str("http_path", event.HTTPPath)
	}
	if event.HTTPStatusCode != 0 {
		entry = entry.Int("http_status_code", event.HTTPStatusCode)
	}
	entry = entry.Int64("http_duration_ms", event.HTTPDurationMs)

	if event.UserEmail != "" {
		entry = entry.Str("user_email", event.UserEmail)
	}
	if event.Partner != "" {
		entry = entry.Str("partner", event.Partner)
	}
	if event.SessionID != "" {
		entry = entry.Str("session_id", event.SessionID)
	}
	if event.EventID != "" {
		entry = entry.Str("event_id", event.EventID)
	}
	if event.PaymentType != "" {
		entry = entry.Str("payment_type", event.PaymentType)
	}
	if event.Outcome != "" {
		entry = entry.Str("outcome", event.Outcome).Int64("delta", event.Delta)
	}
	if event.Error != "" {
		entry = entry.Str("error", event.Error).Str("error_code", event.ErrorCode)
	}
	if event.PanicRecovered {
		entry = entry.Bool("panic_recovered", true)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("wide_event")
}
