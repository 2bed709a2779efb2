package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/warp/consultation-engine/events"
)

type failing struct{ err error }

func (f failing) Dispatch(context.Context, events.Event) error { return f.err }

func TestMulti_DeliversToEveryDispatcher(t *testing.T) {
	// GIVEN: A recorder behind a failing dispatcher
	// WHEN: Dispatching through Multi
	// THEN: The recorder still gets the event and the failure is reported

	boom := errors.New("broker down")
	rec := &events.Recorder{}
	m := events.Multi{failing{boom}, events.NewLog(zap.NewNop()), rec}

	err := m.Dispatch(context.Background(), events.Event{Name: events.RequestCreated, RequestID: "req-1"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []events.Name{events.RequestCreated}, rec.Names())
}

func TestRecorder_KeepsOrder(t *testing.T) {
	rec := &events.Recorder{}
	ctx := context.Background()
	for _, n := range []events.Name{events.RequestAccepted, events.PaymentAuthorized, events.SessionStarted} {
		assert.NoError(t, rec.Dispatch(ctx, events.Event{Name: n, RequestID: "req-1"}))
	}

	assert.Equal(t, []events.Name{events.RequestAccepted, events.PaymentAuthorized, events.SessionStarted}, rec.Names())

	evs := rec.Events()
	evs[0].RequestID = "changed"
	assert.Equal(t, "req-1", rec.Events()[0].RequestID, "Events returns a copy")
}

func TestMulti_EmptyIsNoOp(t *testing.T) {
	assert.NoError(t, events.Multi(nil).Dispatch(context.Background(), events.Event{Name: events.RequestExpired}))
}
