package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }

func TestNew(t *testing.T) {
	id := uuid.New()
	e, err := New(AdmissionClaimed, id, map[string]string{"doctor_id": "d-1"})
	require.NoError(t, err)

	assert.Equal(t, AdmissionClaimed, e.Type)
	assert.Equal(t, QueueTopic, e.Topic)
	assert.Equal(t, id.String(), e.AggregateID)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	var data map[string]string
	require.NoError(t, json.Unmarshal(e.Data, &data))
	assert.Equal(t, "d-1", data["doctor_id"])
}

func TestNew_UnmarshalablePayload(t *testing.T) {
	_, err := New(AdmissionRegistered, uuid.New(), make(chan int))
	assert.Error(t, err)
}

func TestFanout(t *testing.T) {
	a, b := NewRecorder(4), NewRecorder(4)
	boom := errors.New("bus down")
	f := Fanout{a, failing{boom}, b}

	e, err := New(AdmissionRegistered, uuid.New(), nil)
	require.NoError(t, err)

	err = f.Publish(context.Background(), e)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Drain(), 1, "publishers after a failure still receive the event")
	assert.Len(t, b.Drain(), 1)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "triage.admission.finalized", Subject("triage", AdmissionFinalized))
}

func TestRecorder_Full(t *testing.T) {
	r := NewRecorder(1)
	require.NoError(t, r.Publish(context.Background(), Event{}))
	assert.Error(t, r.Publish(context.Background(), Event{}))
	assert.Len(t, r.Drain(), 1)
	assert.Empty(t, r.Drain())
}
