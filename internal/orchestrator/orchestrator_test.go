package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/notification"
	"attendance-sync-backend/internal/store/storetest"
)

func withWatermark(date, clock string) func(*model.Device) {
	return func(d *model.Device) {
		d.LastFetchDate = date
		d.LastFetchTime = clock
	}
}

func TestRunCycle_AdvancesPastLastPunch(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db, withWatermark("2024-01-10", "09:00:00"))
	h.mapUser(t, dev.ID, 1, "1001", "EMP-1")

	term := h.devices.terminal(dev.ID)
	term.punches = []model.RawPunch{
		punch(dev.ID, "1001", 0, time.Date(2024, 1, 10, 8, 59, 59, 0, time.UTC)),
		punch(dev.ID, "1001", 0, time.Date(2024, 1, 10, 9, 5, 0, 0, time.UTC)),
	}

	report, err := h.orch.RunCycle(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 1, report.Filtered)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, "2024-01-10 09:05:00", report.Watermark)

	calls := h.ledger.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "EMP-1", calls[0].EmployeeRef)
	assert.Equal(t, "09:05:00", calls[0].Time)
	assert.Equal(t, []model.Direction{model.ClockIn}, h.ledger.dirs)

	assert.Equal(t, model.Watermark{Date: "2024-01-10", Time: "09:05:00"}, h.device(t, dev.ID).Watermark())
}

func TestRunCycle_NextDayFilterComparesClockTime(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db, withWatermark("2024-01-10", "09:00:00"))
	h.mapUser(t, dev.ID, 1, "1001", "EMP-1")

	h.devices.terminal(dev.ID).punches = []model.RawPunch{
		punch(dev.ID, "1001", 0, time.Date(2024, 1, 11, 8, 0, 0, 0, time.UTC)),
		punch(dev.ID, "1001", 1, time.Date(2024, 1, 11, 18, 0, 0, 0, time.UTC)),
	}

	report, err := h.orch.RunCycle(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Filtered)
	assert.Equal(t, 1, report.Sent)

	calls := h.ledger.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "18:00:00", calls[0].Time)
	assert.Equal(t, model.Watermark{Date: "2024-01-11", Time: "18:00:00"}, h.device(t, dev.ID).Watermark())
}

func TestRunCycle_ReplayDispatchesOnce(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db)
	h.mapUser(t, dev.ID, 1, "1001", "EMP-1")
	h.mapUser(t, dev.ID, 2, "1002", "EMP-2")

	term := h.devices.terminal(dev.ID)
	term.punches = []model.RawPunch{
		punch(dev.ID, "1001", 0, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)),
		punch(dev.ID, "1002", 1, time.Date(2024, 1, 10, 17, 30, 0, 0, time.UTC)),
	}

	_, err := h.orch.RunCycle(context.Background(), dev.ID)
	require.NoError(t, err)
	report, err := h.orch.RunCycle(context.Background(), dev.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Filtered)
	assert.Zero(t, report.Sent)
	assert.Len(t, h.ledger.Calls(), 2)
	assert.Equal(t, []model.Direction{model.ClockIn, model.ClockOut}, h.ledger.dirs)
}

func TestRunCycle_UnmappedPunchLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db, withWatermark("2024-01-10", "09:00:00"))

	h.devices.terminal(dev.ID).punches = []model.RawPunch{
		punch(dev.ID, "4242", 0, time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)),
	}

	report, err := h.orch.RunCycle(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unmapped)
	assert.Empty(t, h.ledger.Calls())
	assert.Equal(t, "09:00:00", h.device(t, dev.ID).LastFetchTime)
}

func TestRunCycle_DeviceErrorKeepsWatermark(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db, withWatermark("2024-01-10", "09:00:00"))
	h.devices.terminal(dev.ID).fetchErr = apperr.Connection("read attendance", io.EOF)

	_, err := h.orch.RunCycle(context.Background(), dev.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsConnection(err))
	assert.Equal(t, model.Watermark{Date: "2024-01-10", Time: "09:00:00"}, h.device(t, dev.ID).Watermark())

	alerts := h.alerts.All()
	require.Len(t, alerts, 1)
	assert.Equal(t, notification.AlertCycleFailed, alerts[0].Kind)
	assert.Equal(t, dev.ID, alerts[0].DeviceID)
}

func TestRunCycle_LedgerFailureDoesNotStopBatch(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db)
	h.mapUser(t, dev.ID, 1, "1001", "EMP-1")
	h.ledger.fail = true

	h.devices.terminal(dev.ID).punches = []model.RawPunch{
		punch(dev.ID, "1001", 0, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)),
		punch(dev.ID, "1001", 1, time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)),
	}

	report, err := h.orch.RunCycle(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Len(t, h.ledger.Calls(), 2)
	assert.Equal(t, "12:00:00", h.device(t, dev.ID).LastFetchTime)
}

func TestRunCycle_ArchivedDevice(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db)
	_, err := h.store.SetActive(context.Background(), dev.ID, false)
	require.NoError(t, err)

	_, err = h.orch.RunCycle(context.Background(), dev.ID)
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, h.alerts.All())
}

func TestRunCycle_UnknownDevice(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.RunCycle(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStart_ResetsLiveAndRearmsSchedules(t *testing.T) {
	h := newHarness(t)
	live := storetest.LocalDevice(t, h.db, func(d *model.Device) { d.IsLive = true })
	scheduled := storetest.LocalDevice(t, h.db, func(d *model.Device) {
		d.IsScheduler = true
		d.SchedulerDuration = "00:30"
	})
	broken := storetest.LocalDevice(t, h.db, func(d *model.Device) {
		d.IsScheduler = true
		d.SchedulerDuration = "00:00"
	})

	require.NoError(t, h.orch.Start(context.Background()))

	assert.False(t, h.device(t, live.ID).IsLive)
	assert.Equal(t, model.ModeIdle, h.orch.Mode(live.ID))
	assert.Equal(t, model.ModeScheduled, h.orch.Mode(scheduled.ID))
	assert.Equal(t, model.ModeIdle, h.orch.Mode(broken.ID))
}

func TestScheduledTimerRunsCycles(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db)
	h.mapUser(t, dev.ID, 1, "1001", "EMP-1")
	h.devices.terminal(dev.ID).punches = []model.RawPunch{
		punch(dev.ID, "1001", 0, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)),
	}

	h.orch.SetScheduleEvery(dev.ID, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return h.device(t, dev.ID).LastFetchTime == "08:00:00"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, h.ledger.Calls(), 1)
}

func TestModeTransitionsAreExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dev := storetest.LocalDevice(t, h.db)

	scheduled, err := h.orch.SetSchedule(ctx, dev.ID, "01:00")
	require.NoError(t, err)
	assert.True(t, scheduled.IsScheduler)
	assert.Equal(t, "01:00", scheduled.SchedulerDuration)
	assert.Equal(t, model.ModeScheduled, h.orch.Mode(dev.ID))

	live, err := h.orch.StartLive(ctx, dev.ID)
	require.NoError(t, err)
	assert.True(t, live.IsLive)
	assert.False(t, live.IsScheduler)
	assert.Equal(t, model.ModeLiveCapture, h.orch.Mode(dev.ID))

	scheduled, err = h.orch.SetSchedule(ctx, dev.ID, "00:15")
	require.NoError(t, err)
	assert.False(t, scheduled.IsLive)
	assert.True(t, scheduled.IsScheduler)
	assert.Equal(t, model.ModeScheduled, h.orch.Mode(dev.ID))

	idle, err := h.orch.ClearSchedule(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeIdle, idle.Mode())
	assert.Equal(t, model.ModeIdle, h.orch.Mode(dev.ID))
}

func TestConcurrentModeChangesKeepStoreAndWorkerInStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dev := storetest.LocalDevice(t, h.db)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = h.orch.SetSchedule(ctx, dev.ID, "01:00")
			} else {
				_, err = h.orch.StartLive(ctx, dev.ID)
			}
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored := h.device(t, dev.ID)
	assert.Equal(t, stored.Mode(), h.orch.Mode(dev.ID))
	assert.False(t, stored.IsLive && stored.IsScheduler)

	_, err := h.orch.StopLive(ctx, dev.ID)
	require.NoError(t, err)
	_, err = h.orch.ClearSchedule(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeIdle, h.device(t, dev.ID).Mode())
	assert.Equal(t, model.ModeIdle, h.orch.Mode(dev.ID))
}

func TestSetSchedule_RejectsBadIntervalBeforeIO(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db)

	for _, raw := range []string{"", "1h", "00:00", "01:75"} {
		_, err := h.orch.SetSchedule(context.Background(), dev.ID, raw)
		assert.True(t, apperr.IsValidation(err), raw)
	}
	assert.Zero(t, h.devices.terminal(dev.ID).Connects())
}

func TestSetSchedule_UnreachableLocalDevice(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db)
	h.devices.terminal(dev.ID).connectErr = apperr.Connection("dial", errors.New("connection refused"))

	_, err := h.orch.SetSchedule(context.Background(), dev.ID, "00:10")
	assert.True(t, apperr.IsConnection(err))
	assert.Equal(t, model.ModeIdle, h.device(t, dev.ID).Mode())
}

func TestStartLive_RequiresLocalDevice(t *testing.T) {
	h := newHarness(t)
	dev := storetest.CloudDevice(t, h.db, "http://cloud.invalid")

	_, err := h.orch.StartLive(context.Background(), dev.ID)
	assert.True(t, apperr.IsValidation(err))
	assert.False(t, h.device(t, dev.ID).IsLive)
}

func TestStartLive_UnreachableStaysIdle(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db)
	h.devices.terminal(dev.ID).connectErr = apperr.Connection("dial", errors.New("no route to host"))

	_, err := h.orch.StartLive(context.Background(), dev.ID)
	assert.True(t, apperr.IsConnection(err))
	assert.False(t, h.device(t, dev.ID).IsLive)
	assert.Equal(t, model.ModeIdle, h.orch.Mode(dev.ID))
}

func TestLiveCapture_DispatchesPushedPunches(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db)
	h.mapUser(t, dev.ID, 1, "1001", "EMP-1")
	term := h.devices.terminal(dev.ID)

	_, err := h.orch.StartLive(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{14}, term.Voices())

	term.live <- punch(dev.ID, "1001", 1, time.Date(2024, 1, 11, 18, 2, 3, 0, time.UTC))
	term.live <- punch(dev.ID, "9999", 0, time.Date(2024, 1, 11, 18, 5, 0, 0, time.UTC))

	assert.Eventually(t, func() bool {
		return h.device(t, dev.ID).LastFetchTime == "18:02:03"
	}, 3*time.Second, 10*time.Millisecond)

	calls := h.ledger.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "EMP-1", calls[0].EmployeeRef)
	assert.Equal(t, "2024-01-11", calls[0].Date)
}

func TestLiveCapture_ReconnectsAfterDrop(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db)
	term := h.devices.terminal(dev.ID)

	_, err := h.orch.StartLive(context.Background(), dev.ID)
	require.NoError(t, err)

	// One connect for the arming check, one for the capture session.
	require.Eventually(t, func() bool { return term.Connects() == 2 }, 3*time.Second, 10*time.Millisecond)

	term.drop <- struct{}{}
	assert.Eventually(t, func() bool { return term.Connects() >= 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.ModeLiveCapture, h.orch.Mode(dev.ID))

	assert.Eventually(t, func() bool {
		for _, a := range h.alerts.All() {
			if a.Kind == notification.AlertLiveDropped {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestLiveCapture_YieldsToAdministratorOperations(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db)
	term := h.devices.terminal(dev.ID)

	_, err := h.orch.StartLive(context.Background(), dev.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return term.Connects() == 2 }, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.orch.TestConnectivity(ctx, dev.ID))

	// The worker comes back once the operation is done.
	assert.Eventually(t, func() bool { return term.Connects() >= 4 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.ModeLiveCapture, h.orch.Mode(dev.ID))
}

func TestArchiveStopsWorkers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dev := storetest.LocalDevice(t, h.db)

	_, err := h.orch.StartLive(ctx, dev.ID)
	require.NoError(t, err)

	archived, err := h.orch.SetActive(ctx, dev.ID, false)
	require.NoError(t, err)
	assert.False(t, archived.IsActive)
	assert.False(t, archived.IsLive)
	assert.Equal(t, model.ModeIdle, h.orch.Mode(dev.ID))

	_, err = h.orch.SetSchedule(ctx, dev.ID, "00:05")
	assert.True(t, apperr.IsValidation(err))

	restored, err := h.orch.SetActive(ctx, dev.ID, true)
	require.NoError(t, err)
	assert.True(t, restored.IsActive)
	assert.Equal(t, model.ModeIdle, restored.Mode())
}

func TestDeleteDeviceStopsWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dev := storetest.LocalDevice(t, h.db)
	h.mapUser(t, dev.ID, 1, "1001", "EMP-1")

	_, err := h.orch.SetSchedule(ctx, dev.ID, "00:05")
	require.NoError(t, err)

	require.NoError(t, h.orch.DeleteDevice(ctx, dev.ID))
	assert.Equal(t, model.ModeIdle, h.orch.Mode(dev.ID))

	_, err = h.store.GetDevice(ctx, dev.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	mappings, err := h.store.ListMappings(ctx, dev.ID)
	require.NoError(t, err)
	assert.Empty(t, mappings)
}

func TestTestConnectivity(t *testing.T) {
	h := newHarness(t)
	dev := storetest.LocalDevice(t, h.db, withWatermark("2024-01-10", "09:00:00"))

	require.NoError(t, h.orch.TestConnectivity(context.Background(), dev.ID))
	assert.Equal(t, []int{0}, h.devices.terminal(dev.ID).Voices())

	h.devices.terminal(dev.ID).connectErr = apperr.Connection("dial", errors.New("i/o timeout"))
	err := h.orch.TestConnectivity(context.Background(), dev.ID)
	assert.True(t, apperr.IsConnection(err))

	after := h.device(t, dev.ID)
	assert.Equal(t, model.ModeIdle, after.Mode())
	assert.Equal(t, "09:00:00", after.LastFetchTime)
}

func TestShutdownStopsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	local := storetest.LocalDevice(t, h.db)
	other := storetest.LocalDevice(t, h.db)

	_, err := h.orch.StartLive(ctx, local.ID)
	require.NoError(t, err)
	_, err = h.orch.SetSchedule(ctx, other.ID, "00:01")
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(shutdownCtx))
	assert.Equal(t, model.ModeIdle, h.orch.Mode(local.ID))
	assert.Equal(t, model.ModeIdle, h.orch.Mode(other.ID))
}
