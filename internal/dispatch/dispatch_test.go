package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/dispatch"
	"attendance-sync-backend/internal/infra"
	"attendance-sync-backend/internal/ledger"
	"attendance-sync-backend/internal/model"
)

type call struct {
	dir model.Direction
	req ledger.Request
}

type fakeLedger struct {
	calls []call
	fail  map[string]bool
}

func (f *fakeLedger) record(dir model.Direction, req ledger.Request) error {
	f.calls = append(f.calls, call{dir, req})
	if f.fail[req.EmployeeRef] {
		return errors.New("ledger unavailable")
	}
	return nil
}

func (f *fakeLedger) ClockIn(_ context.Context, req ledger.Request) error {
	return f.record(model.ClockIn, req)
}

func (f *fakeLedger) ClockOut(_ context.Context, req ledger.Request) error {
	return f.record(model.ClockOut, req)
}

func event(ref string, dir model.Direction, minute int) model.PunchEvent {
	return model.PunchEvent{
		DeviceID:    "zk-1",
		EmployeeRef: ref,
		Direction:   dir,
		OccurredAt:  time.Date(2024, 1, 10, 9, minute, 0, 0, time.UTC),
	}
}

func TestDispatch_RoutesByDirection(t *testing.T) {
	l := &fakeLedger{}
	sink := dispatch.NewSink(l, infra.Discard())

	assert.NoError(t, sink.Dispatch(context.Background(), event("EMP-1", model.ClockIn, 0)))
	assert.NoError(t, sink.Dispatch(context.Background(), event("EMP-1", model.ClockOut, 1)))

	if assert.Len(t, l.calls, 2) {
		assert.Equal(t, model.ClockIn, l.calls[0].dir)
		assert.Equal(t, model.ClockOut, l.calls[1].dir)
		assert.Equal(t, "09:01:00", l.calls[1].req.Time)
	}
}

func TestDispatch_WrapsFailures(t *testing.T) {
	sink := dispatch.NewSink(&fakeLedger{fail: map[string]bool{"EMP-1": true}}, infra.Discard())

	err := sink.Dispatch(context.Background(), event("EMP-1", model.ClockIn, 0))
	assert.True(t, apperr.IsDownstream(err))
}

func TestDispatchAll_IsolatesFailures(t *testing.T) {
	l := &fakeLedger{fail: map[string]bool{"EMP-2": true}}
	sink := dispatch.NewSink(l, infra.Discard())

	res := sink.DispatchAll(context.Background(), model.VariantLocalProtocol, []model.PunchEvent{
		event("EMP-1", model.ClockIn, 0),
		event("EMP-2", model.ClockIn, 1),
		event("EMP-3", model.ClockOut, 2),
	})

	assert.Equal(t, dispatch.Result{Sent: 2, Failed: 1}, res)
	var refs []string
	for _, c := range l.calls {
		refs = append(refs, c.req.EmployeeRef)
	}
	assert.Equal(t, []string{"EMP-1", "EMP-2", "EMP-3"}, refs, "order is preserved")
}

func TestDispatchAll_StopsOnCancel(t *testing.T) {
	l := &fakeLedger{}
	sink := dispatch.NewSink(l, infra.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := sink.DispatchAll(ctx, model.VariantCloudAPI, []model.PunchEvent{event("EMP-1", model.ClockIn, 0), event("EMP-2", model.ClockIn, 1)})
	assert.Equal(t, dispatch.Result{Failed: 2}, res)
	assert.Empty(t, l.calls)
}
