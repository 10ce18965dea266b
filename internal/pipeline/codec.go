package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Checker-Finance/settlement/internal/bus"
	"github.com/Checker-Finance/settlement/pkg/model"
)

// Encode wraps payload in an envelope for topic.
func Encode(topic, eventType, eventID string, payload any, at time.Time) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return json.Marshal(model.Envelope{
		ID:        uuid.New(),
		EventID:   eventID,
		Topic:     topic,
		EventType: eventType,
		Version:   envelopeVersion,
		Timestamp: at.UTC(),
		Payload:   body,
	})
}

// Decode parses an envelope without touching its payload.
func Decode(data []byte) (*model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" {
		return nil, fmt.Errorf("envelope %s has no event_id", env.ID)
	}
	return &env, nil
}

// Unpack decodes the envelope payload as T.
func Unpack[T any](env *model.Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, model.Permanent(model.StageReceived, model.ReasonInvalidRequest,
			fmt.Errorf("decode %s payload: %w", env.EventType, err))
	}
	return out, nil
}

// Publisher emits typed events onto the bus.
type Publisher struct {
	bus bus.Bus
	now func() time.Time
}

func NewPublisher(b bus.Bus) *Publisher {
	return &Publisher{bus: b, now: time.Now}
}

// Emit publishes payload on topic keyed by eventID.
func (p *Publisher) Emit(ctx context.Context, topic, eventType, eventID string, payload any) error {
	data, err := Encode(topic, eventType, eventID, payload, p.now())
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, topic, eventID, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Admit is the gateway hand-off: it publishes an admitted request.
func (p *Publisher) Admit(ctx context.Context, req model.Request) error {
	if req.AdmittedAt.IsZero() {
		req.AdmittedAt = p.now().UTC()
	}
	return p.Emit(ctx, TopicRequests, EventRequestAdmitted, req.EventID, model.RequestAdmitted{Request: req})
}
