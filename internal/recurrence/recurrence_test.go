package recurrence

import (
	"context"
	"errors"
	"testing"
	"time"

	"postbot/internal/post"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

func TestNextTime(t *testing.T) {
	t.Parallel()

	utc := time.UTC
	cases := []struct {
		name string
		in   time.Time
		iv   post.Interval
		want time.Time
	}{
		{"hours", time.Date(2024, 1, 1, 22, 0, 0, 0, utc), post.Interval{Unit: post.UnitHours, Value: 3}, time.Date(2024, 1, 2, 1, 0, 0, 0, utc)},
		{"one day", time.Date(2024, 3, 5, 9, 0, 0, 0, utc), post.Interval{Unit: post.UnitDays, Value: 1}, time.Date(2024, 3, 6, 9, 0, 0, 0, utc)},
		{"two weeks", time.Date(2024, 12, 25, 9, 0, 0, 0, utc), post.Interval{Unit: post.UnitWeeks, Value: 2}, time.Date(2025, 1, 8, 9, 0, 0, 0, utc)},
		{"month clamp leap", time.Date(2024, 1, 31, 9, 0, 0, 0, utc), post.Interval{Unit: post.UnitMonths, Value: 1}, time.Date(2024, 2, 29, 9, 0, 0, 0, utc)},
		{"month clamp", time.Date(2023, 1, 31, 9, 0, 0, 0, utc), post.Interval{Unit: post.UnitMonths, Value: 1}, time.Date(2023, 2, 28, 9, 0, 0, 0, utc)},
		{"month year wrap", time.Date(2024, 11, 30, 9, 0, 0, 0, utc), post.Interval{Unit: post.UnitMonths, Value: 3}, time.Date(2025, 2, 28, 9, 0, 0, 0, utc)},
		{"month plain", time.Date(2024, 3, 15, 9, 0, 0, 0, utc), post.Interval{Unit: post.UnitMonths, Value: 1}, time.Date(2024, 4, 15, 9, 0, 0, 0, utc)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextTime(tc.in, tc.iv, utc)
			if err != nil {
				t.Fatalf("NextTime: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}

	if _, err := NextTime(time.Now(), post.Interval{Unit: "years", Value: 1}, utc); !post.IsValidation(err) {
		t.Fatalf("bad unit: %v", err)
	}
	if _, err := NextTime(time.Now(), post.Interval{Unit: post.UnitDays}, utc); !post.IsValidation(err) {
		t.Fatalf("zero value: %v", err)
	}
}

func TestNextTimeDST(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// Clocks jump forward on 2024-03-31.
	in := time.Date(2024, 3, 30, 9, 0, 0, 0, loc)

	got, _ := NextTime(in, post.Interval{Unit: post.UnitDays, Value: 1}, loc)
	if got.Hour() != 9 || got.Day() != 31 {
		t.Fatalf("days should keep wall clock: %s", got)
	}
	if d := got.Sub(in); d != 23*time.Hour {
		t.Fatalf("elapsed=%s", d)
	}

	got, _ = NextTime(in, post.Interval{Unit: post.UnitHours, Value: 24}, loc)
	if got.Sub(in) != 24*time.Hour || got.In(loc).Hour() != 10 {
		t.Fatalf("hours should be absolute: %s", got.In(loc))
	}
}

type failingCreator struct{}

func (failingCreator) CreatePost(context.Context, *post.ScheduledPost) (string, error) {
	return "", errors.New("db down")
}

func TestPlan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	pl := NewPlanner(st, time.UTC, nil, logx.Nop())

	at := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	src := post.ScheduledPost{
		ID:           "orig",
		OwnerID:      3,
		Channels:     []string{"@a"},
		Content:      post.Content{Kind: post.KindText, Text: "daily"},
		ScheduleTime: at,
		Status:       post.StatusPublished,
		Tags:         []string{"daily"},
		Report:       post.DeliveryReport{{ChannelID: "@a", OK: true}},
		Settings: post.DeliverySettings{
			Repeat:         true,
			RepeatInterval: &post.Interval{Unit: post.UnitDays, Value: 1},
		},
	}

	next, err := pl.Plan(ctx, src)
	if err != nil || next == nil {
		t.Fatalf("plan: %v %v", next, err)
	}
	if next.ID == "" || next.ID == src.ID || next.Status != post.StatusScheduled || len(next.Report) != 0 {
		t.Fatalf("next=%+v", next)
	}
	if !next.ScheduleTime.Equal(at.Add(24 * time.Hour)) {
		t.Fatalf("next at=%s", next.ScheduleTime)
	}

	all, _ := st.FindScheduledByOwner(ctx, 3)
	if len(all) != 1 || all[0].Content.Text != "daily" || !all[0].Settings.Recurring() {
		t.Fatalf("stored=%+v", all)
	}

	once := src
	once.Settings.Repeat = false
	if got, err := pl.Plan(ctx, once); got != nil || err != nil {
		t.Fatalf("non-recurring: %v %v", got, err)
	}
	failed := src
	failed.Status = post.StatusFailed
	if got, err := pl.Plan(ctx, failed); got != nil || err != nil {
		t.Fatalf("failed post: %v %v", got, err)
	}
	if all, _ := st.FindScheduledByOwner(ctx, 3); len(all) != 1 {
		t.Fatalf("exactly one successor expected, got %d", len(all))
	}

	broken := NewPlanner(failingCreator{}, time.UTC, nil, logx.Nop())
	if _, err := broken.Plan(ctx, src); !post.IsStore(err) {
		t.Fatalf("store failure: %v", err)
	}
}
