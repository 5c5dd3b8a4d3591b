package usecase

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/liuyngchng/my-mcp/internal/domain"
)

// publishEvent publishes a domain event on the bus if it is configured.
func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, runID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Payload:   raw,
	})
}

func itoa(n int) string { return strconv.Itoa(n) }
