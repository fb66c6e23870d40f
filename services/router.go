package services

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// Event kinds carried in the last topic segment of
// devices/{imei}/event/{kind}. Status also arrives on the short form
// devices/{imei}/status.
const (
	EventKindStatus      = "status"
	EventKindSosAlert    = "sos_alert"
	EventKindBillRequest = "bill_request"
	EventKindTimeQuery   = "time_query"
)

// HandlerFunc processes one inbound device event. Implementations must
// fail closed: log and return, never panic or propagate errors upstream.
type HandlerFunc func(ctx context.Context, deviceIMEI string, payload []byte)

// Router parses inbound topics into (device identifier, event kind) and
// dispatches to the registered handler. Malformed payloads, unhandled
// topics and unknown kinds are logged and dropped.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Register binds an event kind to its handler. Not safe for concurrent
// use; registration happens once during wiring.
func (r *Router) Register(eventKind string, handler HandlerFunc) {
	r.handlers[eventKind] = handler
}

// Route dispatches one message. It runs the handler synchronously; the
// transport client is responsible for scheduling each message on its own
// goroutine so a slow handler cannot stall ingestion.
func (r *Router) Route(ctx context.Context, topic string, payload []byte) {
	if !json.Valid(payload) {
		r.logger.Warn("Dropping message with undecodable JSON payload",
			zap.String("topic", topic),
			zap.Int("payload_bytes", len(payload)))
		return
	}

	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "devices" {
		r.logger.Warn("Message on unhandled topic", zap.String("topic", topic))
		return
	}

	deviceIMEI := parts[1]
	var eventKind string
	switch {
	case len(parts) == 4 && parts[2] == "event":
		eventKind = parts[3]
	case len(parts) == 3 && parts[2] == "status":
		eventKind = EventKindStatus
	case len(parts) == 3 && parts[2] == "log":
		// Device logs are observed, never persisted.
		r.logger.Debug("Device log",
			zap.String("device_imei", deviceIMEI),
			zap.ByteString("payload", payload))
		return
	default:
		r.logger.Warn("Unhandled device topic structure", zap.String("topic", topic))
		return
	}

	handler, ok := r.handlers[eventKind]
	if !ok {
		r.logger.Warn("Unknown event kind",
			zap.String("device_imei", deviceIMEI),
			zap.String("event_kind", eventKind))
		return
	}

	handler(ctx, deviceIMEI, payload)
}
