// Package recurrence computes and schedules the next occurrence of a
// repeating post.
package recurrence

import (
	"context"
	"sync/atomic"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

// NextTime returns t advanced by one interval.
//
// Hours are absolute durations. Days, weeks and months keep the wall-clock
// time in loc, so a 09:00 post stays at 09:00 across DST changes. Months
// clamp to the last day of the target month (Jan 31 + 1 month = Feb 28/29).
func NextTime(t time.Time, iv post.Interval, loc *time.Location) (time.Time, error) {
	if err := iv.Validate(); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	switch iv.Unit {
	case post.UnitHours:
		return t.Add(time.Duration(iv.Value) * time.Hour), nil
	case post.UnitDays:
		return t.In(loc).AddDate(0, 0, iv.Value), nil
	case post.UnitWeeks:
		return t.In(loc).AddDate(0, 0, 7*iv.Value), nil
	default:
		return addMonths(t.In(loc), iv.Value), nil
	}
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	// Day 1 of the target month never overflows.
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Creator is the slice of storage.PostStore the planner writes through.
type Creator interface {
	CreatePost(ctx context.Context, p *post.ScheduledPost) (string, error)
}

type Planner struct {
	store Creator
	bus   eventbus.Bus
	log   logx.Logger
	loc   atomic.Pointer[time.Location]
}

func NewPlanner(store Creator, loc *time.Location, bus eventbus.Bus, log logx.Logger) *Planner {
	if loc == nil {
		loc = time.UTC
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	pl := &Planner{store: store, bus: bus, log: log}
	pl.loc.Store(loc)
	return pl
}

// SetLocation changes the zone used for calendar-unit intervals.
func (pl *Planner) SetLocation(loc *time.Location) {
	if loc != nil {
		pl.loc.Store(loc)
	}
}

// Plan creates the next occurrence of a published repeating post. It
// returns nil without error when p does not recur. It never dispatches; a
// next time already in the past simply makes the new post due on the next
// sweep.
func (pl *Planner) Plan(ctx context.Context, p post.ScheduledPost) (*post.ScheduledPost, error) {
	if p.Status != post.StatusPublished || !p.Settings.Recurring() {
		return nil, nil
	}
	next, err := NextTime(p.ScheduleTime, *p.Settings.RepeatInterval, pl.loc.Load())
	if err != nil {
		return nil, err
	}

	src := p.Clone()
	np := &post.ScheduledPost{
		OwnerID:      src.OwnerID,
		Channels:     src.Channels,
		Content:      src.Content,
		ScheduleTime: next,
		Status:       post.StatusScheduled,
		Tags:         src.Tags,
		Settings:     src.Settings,
	}
	if _, err := pl.store.CreatePost(ctx, np); err != nil {
		return nil, post.WrapStore("plan_next", err)
	}
	pl.log.Info("next occurrence planned",
		logx.String("post_id", p.ID),
		logx.String("next_id", np.ID),
		logx.Time("next_at", next),
	)
	pl.bus.Publish(eventbus.Event{Type: eventbus.PostPlanned, Data: np.Clone()})
	return np, nil
}
