// Package events carries admission lifecycle notifications to NATS and to
// connected websocket clients.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	AdmissionRegistered Type = "admission.registered"
	AdmissionClaimed    Type = "admission.claimed"
	AdmissionFinalized  Type = "admission.finalized"
)

// QueueTopic is the websocket topic that receives every queue change.
const QueueTopic = "triage.queue"

// Event is the envelope published for every state change.
type Event struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	Topic       string            `json:"topic"`
	AggregateID string            `json:"aggregate_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// New builds an event on QueueTopic with data marshalled as JSON.
func New(t Type, aggregateID uuid.UUID, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		Topic:       QueueTopic,
		AggregateID: aggregateID.String(),
		Timestamp:   time.Now().UTC(),
		Data:        raw,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	select {
	case r.ch <- e:
		return nil
	default:
		return errors.New("recorder full")
	}
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
