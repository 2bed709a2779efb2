package availability_test

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/booking"
	"github.com/warp/consultation-engine/settlement"
	"github.com/warp/consultation-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Monday 2026-03-02; Tehran is UTC+03:30 with no DST.
var tehran = mustLoad("Asia/Tehran")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func local(day, hour, minute int) time.Time {
	return time.Date(2026, time.March, day, hour, minute, 0, 0, tehran)
}

func newTestResolver(t *testing.T, accepting bool) (*availability.Resolver, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	require.NoError(t, store.SaveConsultantProfile(ctx, availability.Profile{
		ConsultantID: "cons-1", UserID: "user-c1", Timezone: "Asia/Tehran", IsAcceptingRequests: accepting,
	}))
	require.NoError(t, store.SaveSlot(ctx, availability.Slot{
		ID: "mon", ConsultantID: "cons-1", Weekday: time.Monday,
		Start: availability.NewClock(9, 0), End: availability.NewClock(17, 0), IsActive: true,
	}))
	require.NoError(t, store.SaveSlot(ctx, availability.Slot{
		ID: "tue-late", ConsultantID: "cons-1", Weekday: time.Tuesday,
		Start: availability.NewClock(22, 0), End: availability.EndOfDay, IsActive: true,
	}))
	return availability.NewResolver(store), store
}

func book(t *testing.T, store *sqlite.Store, id string, start time.Time) {
	require.NoError(t, store.CreateRequest(context.Background(), booking.Request{
		ID: id, ClientID: "client-1", ConsultantID: "cons-1", ServiceType: booking.ServiceVideo,
		DurationMinutes: 60, ScheduledAt: start, Status: booking.RequestScheduled,
		QuotedAmount: 1000, PaymentMethod: settlement.MethodWallet,
		CreatedAt: start.Add(-48 * time.Hour), UpdatedAt: start.Add(-48 * time.Hour),
	}))
}

// =============================================================================
// BOOKABILITY TESTS
// =============================================================================

func TestIsBookable_InsideSlot_LocalTimezone(t *testing.T) {
	// GIVEN: Monday 09:00-17:00 in Asia/Tehran
	// WHEN: Asking for 10:00-11:00 local (06:30 UTC)
	// THEN: The window is bookable

	r, _ := newTestResolver(t, true)
	ok, reason, err := r.IsBookable(context.Background(), "cons-1",
		availability.NewWindow(local(2, 10, 0), time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestIsBookable_Reasons(t *testing.T) {
	r, store := newTestResolver(t, true)
	ctx := context.Background()

	from, to := availability.NewClock(12, 0), availability.NewClock(13, 0)
	require.NoError(t, store.SaveException(ctx, availability.Exception{
		ID: "lunch", ConsultantID: "cons-1", Date: "2026-03-02", Start: &from, End: &to,
		Type: availability.ExceptionBusy,
	}))
	require.NoError(t, store.SaveException(ctx, availability.Exception{
		ID: "holiday", ConsultantID: "cons-1", Date: "2026-03-09", Type: availability.ExceptionHoliday,
	}))
	book(t, store, "existing", local(2, 14, 0))

	tests := []struct {
		name   string
		window availability.Window
		want   availability.Reason
	}{
		{"before hours", availability.NewWindow(local(2, 8, 0), time.Hour), availability.ReasonOutOfHours},
		{"runs past slot end", availability.NewWindow(local(2, 16, 30), time.Hour), availability.ReasonOutOfHours},
		{"no slot that weekday", availability.NewWindow(local(4, 10, 0), time.Hour), availability.ReasonOutOfHours},
		{"partial exception", availability.NewWindow(local(2, 12, 30), time.Hour), availability.ReasonException},
		{"full-day holiday", availability.NewWindow(local(9, 10, 0), time.Hour), availability.ReasonException},
		{"overlaps booking", availability.NewWindow(local(2, 14, 30), time.Hour), availability.ReasonDoubleBooked},
		{"crosses midnight", availability.NewWindow(local(3, 23, 30), time.Hour), availability.ReasonOutOfHours},
		{"empty window", availability.Window{Start: local(2, 10, 0), End: local(2, 10, 0)}, availability.ReasonInvalidWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason, err := r.IsBookable(ctx, "cons-1", tt.window)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, tt.want, reason)
		})
	}
}

func TestIsBookable_BackToBackAndEndOfDay(t *testing.T) {
	r, store := newTestResolver(t, true)
	ctx := context.Background()
	book(t, store, "existing", local(2, 14, 0))

	ok, _, err := r.IsBookable(ctx, "cons-1", availability.NewWindow(local(2, 15, 0), time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "half-open windows touching at 15:00 do not overlap")

	ok, _, err = r.IsBookable(ctx, "cons-1", availability.NewWindow(local(3, 23, 0), time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "a window ending exactly at local midnight fits")
}

func TestIsBookable_SubMinuteBounds(t *testing.T) {
	// GIVEN: Monday 09:00-17:00 with a busy exception 12:00-13:00
	// WHEN: Windows start and end 30 seconds past the minute
	// THEN: Seconds past the slot end or into the exception make them unbookable

	r, store := newTestResolver(t, true)
	ctx := context.Background()
	from, to := availability.NewClock(12, 0), availability.NewClock(13, 0)
	require.NoError(t, store.SaveException(ctx, availability.Exception{
		ID: "lunch", ConsultantID: "cons-1", Date: "2026-03-02", Start: &from, End: &to,
		Type: availability.ExceptionBusy,
	}))
	halfPast := func(hour, minute int) time.Time { return local(2, hour, minute).Add(30 * time.Second) }

	ok, reason, err := r.IsBookable(ctx, "cons-1", availability.NewWindow(halfPast(16, 0), time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, availability.ReasonOutOfHours, reason)

	ok, reason, err = r.IsBookable(ctx, "cons-1", availability.NewWindow(halfPast(11, 0), time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, availability.ReasonException, reason)

	ok, _, err = r.IsBookable(ctx, "cons-1", availability.NewWindow(halfPast(13, 0), time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "13:00:30-14:00:30 sits inside the slot and after the exception")

	ok, _, err = r.IsBookable(ctx, "cons-1", availability.NewWindow(halfPast(16, 59), 30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "a window ending exactly at 17:00 still fits")
}

func TestCheck_ExcludesRequestBeingAccepted(t *testing.T) {
	r, store := newTestResolver(t, true)
	book(t, store, "req-1", local(2, 10, 0))

	w := availability.NewWindow(local(2, 10, 0), time.Hour)
	assert.ErrorIs(t, r.Check(context.Background(), "cons-1", w, ""), availability.ErrNotBookable)
	assert.NoError(t, r.Check(context.Background(), "cons-1", w, "req-1"))
}

func TestIsBookable_NotAccepting(t *testing.T) {
	r, _ := newTestResolver(t, false)
	ok, reason, err := r.IsBookable(context.Background(), "cons-1",
		availability.NewWindow(local(2, 10, 0), time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, availability.ReasonNotAccepting, reason)
}

func TestIsBookable_UnknownConsultant(t *testing.T) {
	r, _ := newTestResolver(t, true)
	_, _, err := r.IsBookable(context.Background(), "nobody",
		availability.NewWindow(local(2, 10, 0), time.Hour))
	assert.ErrorIs(t, err, availability.ErrConsultantNotFound)
}

// =============================================================================
// FREE WINDOW TESTS
// =============================================================================

func TestFreeWindows_SkipsBookingsAndExceptions(t *testing.T) {
	// GIVEN: Monday 09:00-17:00, a booking at 10:00 and a busy block 12:00-13:00
	// WHEN: Listing hourly windows on that Monday
	// THEN: 10:00 and 12:00 are missing

	r, store := newTestResolver(t, true)
	ctx := context.Background()
	book(t, store, "existing", local(2, 10, 0))
	from, to := availability.NewClock(12, 0), availability.NewClock(13, 0)
	require.NoError(t, store.SaveException(ctx, availability.Exception{
		ID: "lunch", ConsultantID: "cons-1", Date: "2026-03-02", Start: &from, End: &to,
		Type: availability.ExceptionBusy,
	}))

	free, err := r.FreeWindows(ctx, "cons-1", "2026-03-02", time.Hour, time.Hour)
	require.NoError(t, err)

	var starts []string
	for _, w := range free {
		starts = append(starts, w.Start.In(tehran).Format("15:04"))
	}
	assert.Equal(t, []string{"09:00", "11:00", "13:00", "14:00", "15:00", "16:00"}, starts)
}

func TestFreeWindows_RejectsBadInput(t *testing.T) {
	r, _ := newTestResolver(t, true)
	_, err := r.FreeWindows(context.Background(), "cons-1", "2026-03-02", 0, time.Hour)
	assert.Error(t, err)
	_, err = r.FreeWindows(context.Background(), "cons-1", "not-a-date", time.Hour, time.Hour)
	assert.Error(t, err)
}

func TestClockTime_Parse(t *testing.T) {
	c, err := availability.ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, availability.NewClock(9, 30), c)
	assert.Equal(t, "09:30", c.String())

	_, err = availability.ParseClock("25:00")
	assert.Error(t, err)
}
