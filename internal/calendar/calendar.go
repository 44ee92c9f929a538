// Package calendar merges scheduled posts and campaigns into day-bucketed
// views for an owner. It is read-only.
package calendar

import (
	"context"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"postbot/internal/campaign"
	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

// DefaultTimezone is used when no calendar zone is configured.
const DefaultTimezone = "Europe/Moscow"

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

type Filter string

const (
	FilterAll      Filter = "all"
	FilterContent  Filter = "content"
	FilterCampaign Filter = "campaign"
)

// ParseFilter accepts all, content, campaign and the legacy alias ad.
// Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return FilterAll, nil
	case "content":
		return FilterContent, nil
	case "campaign", "ad", "ads":
		return FilterCampaign, nil
	}
	return "", post.Invalid("filter", "must be one of all, content, campaign")
}

func (f Filter) content() bool  { return f == FilterAll || f == FilterContent }
func (f Filter) campaign() bool { return f == FilterAll || f == FilterCampaign }

type Marker string

const (
	MarkerMixed        Marker = "mixed"
	MarkerContentOnly  Marker = "content-only"
	MarkerCampaignOnly Marker = "campaign-only"
	MarkerEmpty        Marker = "empty"
)

func markerFor(content, campaigns int) Marker {
	switch {
	case content > 0 && campaigns > 0:
		return MarkerMixed
	case content > 0:
		return MarkerContentOnly
	case campaigns > 0:
		return MarkerCampaignOnly
	}
	return MarkerEmpty
}

type ItemType string

const (
	ItemContent  ItemType = "content"
	ItemCampaign ItemType = "campaign"
)

// Item is one entry of a day drill-down. Time is the schedule time for
// content and the start date for campaigns.
type Item struct {
	Type     ItemType  `json:"type"`
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	End      time.Time `json:"end,omitempty"`
	Title    string    `json:"title"`
	Status   string    `json:"status"`
	Kind     string    `json:"kind"`
	Channels []string  `json:"channels,omitempty"`
}

type DayBucket struct {
	Date          string `json:"date"`
	ContentCount  int    `json:"content_count"`
	CampaignCount int    `json:"campaign_count"`
	Marker        Marker `json:"marker"`
}

type MonthView struct {
	Month    string      `json:"month"`
	Timezone string      `json:"timezone"`
	Filter   Filter      `json:"filter"`
	Days     []DayBucket `json:"days"`
}

type RangeView struct {
	From     time.Time   `json:"from"`
	To       time.Time   `json:"to"`
	Timezone string      `json:"timezone"`
	Filter   Filter      `json:"filter"`
	Days     []DayBucket `json:"days"`
	Items    []Item      `json:"items"`
}

// Source is the read side of storage.Store the aggregator needs.
type Source interface {
	FindInRange(ctx context.Context, ownerID int64, from, to time.Time) ([]post.ScheduledPost, error)
	FindCampaignsOverlapping(ctx context.Context, ownerID int64, from, to time.Time, statuses []campaign.Status) ([]campaign.Campaign, error)
}

type Aggregator struct {
	src Source
	loc *time.Location
	log logx.Logger
}

func New(src Source, loc *time.Location, log logx.Logger) *Aggregator {
	if loc == nil {
		if l, err := time.LoadLocation(DefaultTimezone); err == nil {
			loc = l
		} else {
			loc = time.UTC
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{src: src, loc: loc, log: log}
}

func (a *Aggregator) Location() *time.Location { return a.loc }

// GetMonth buckets every day of the month containing monthStart.
func (a *Aggregator) GetMonth(ctx context.Context, ownerID int64, monthStart time.Time, filter Filter) (MonthView, error) {
	if filter == "" {
		filter = FilterAll
	}
	m := monthStart.In(a.loc)
	first := time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, a.loc)
	last := time.Date(m.Year(), m.Month()+1, 0, 0, 0, 0, 0, a.loc)

	days, _, err := a.collect(ctx, ownerID, first, last, filter, false)
	if err != nil {
		return MonthView{}, err
	}
	return MonthView{Month: first.Format(monthLayout), Timezone: a.loc.String(), Filter: filter, Days: days}, nil
}

// GetDay lists the items of one calendar day, ascending by time.
func (a *Aggregator) GetDay(ctx context.Context, ownerID int64, date time.Time, filter Filter) ([]Item, error) {
	d := date.In(a.loc)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, a.loc)
	_, items, err := a.collect(ctx, ownerID, day, day, filter, true)
	return items, err
}

// GetRange buckets every day touched by [from, to] and lists the items in it.
func (a *Aggregator) GetRange(ctx context.Context, ownerID int64, from, to time.Time, filter Filter) (RangeView, error) {
	if from.After(to) {
		return RangeView{}, post.Invalid("from", "must not be after to")
	}
	if filter == "" {
		filter = FilterAll
	}
	f, t := from.In(a.loc), to.In(a.loc)
	firstDay := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, a.loc)
	lastDay := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, a.loc)

	days, items, err := a.collectBounded(ctx, ownerID, firstDay, lastDay, from, to, filter, true)
	if err != nil {
		return RangeView{}, err
	}
	return RangeView{From: from, To: to, Timezone: a.loc.String(), Filter: filter, Days: days, Items: items}, nil
}

func (a *Aggregator) collect(ctx context.Context, ownerID int64, firstDay, lastDay time.Time, filter Filter, withItems bool) ([]DayBucket, []Item, error) {
	return a.collectBounded(ctx, ownerID, firstDay, lastDay, firstDay, endOfDay(lastDay), filter, withItems)
}

// collectBounded queries [from, to] and buckets the results into the days
// firstDay..lastDay. A campaign counts on every day its interval overlaps.
func (a *Aggregator) collectBounded(ctx context.Context, ownerID int64, firstDay, lastDay, from, to time.Time, filter Filter, withItems bool) ([]DayBucket, []Item, error) {
	if filter == "" {
		filter = FilterAll
	}
	if !filter.content() && !filter.campaign() {
		return nil, nil, post.Invalid("filter", "must be one of all, content, campaign")
	}
	if lastDay.Before(firstDay) {
		return nil, nil, post.Invalid("range", "empty day range")
	}

	var posts []post.ScheduledPost
	var camps []campaign.Campaign
	var err error
	if filter.content() {
		if posts, err = a.src.FindInRange(ctx, ownerID, from, to); err != nil {
			return nil, nil, post.WrapStore("calendar_posts", err)
		}
	}
	if filter.campaign() {
		if camps, err = a.src.FindCampaignsOverlapping(ctx, ownerID, from, to, campaign.ActiveStatuses); err != nil {
			return nil, nil, post.WrapStore("calendar_campaigns", err)
		}
	}

	a.log.Debug("calendar query",
		logx.Int64("owner_id", ownerID),
		logx.String("filter", string(filter)),
		logx.Int("posts", len(posts)),
		logx.Int("campaigns", len(camps)),
	)

	index := map[string]int{}
	var days []DayBucket
	for d := firstDay; !d.After(lastDay); d = nextDay(d) {
		index[d.Format(dayLayout)] = len(days)
		days = append(days, DayBucket{Date: d.Format(dayLayout)})
	}

	for _, p := range posts {
		if i, ok := index[p.ScheduleTime.In(a.loc).Format(dayLayout)]; ok {
			days[i].ContentCount++
		}
	}
	for _, c := range camps {
		i := 0
		for d := firstDay; !d.After(lastDay); d = nextDay(d) {
			if c.Overlaps(d, endOfDay(d)) {
				days[i].CampaignCount++
			}
			i++
		}
	}
	for i := range days {
		days[i].Marker = markerFor(days[i].ContentCount, days[i].CampaignCount)
	}

	if !withItems {
		return days, nil, nil
	}
	items := make([]Item, 0, len(posts)+len(camps))
	for _, p := range posts {
		items = append(items, Item{
			Type:     ItemContent,
			ID:       p.ID,
			Time:     p.ScheduleTime.In(a.loc),
			Title:    p.Content.Summary(),
			Status:   string(p.Status),
			Kind:     string(p.Content.Kind),
			Channels: append([]string(nil), p.Channels...),
		})
	}
	for _, c := range camps {
		items = append(items, Item{
			Type:   ItemCampaign,
			ID:     c.ID,
			Time:   c.StartDate.In(a.loc),
			End:    c.EndDate.In(a.loc),
			Title:  c.Title(),
			Status: string(c.Status),
			Kind:   string(c.Content.Kind),
		})
	}
	sortItems(items)
	return days, items, nil
}

// sortItems orders by time, then content before campaign, then id.
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if a.Type != b.Type {
			return a.Type == ItemContent
		}
		return a.ID < b.ID
	})
}

func nextDay(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, d.Location())
}

func endOfDay(d time.Time) time.Time {
	return nextDay(d).Add(-time.Nanosecond)
}

// ParseMonth parses YYYY-MM in loc.
func ParseMonth(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(monthLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, post.Invalid("month", "expected YYYY-MM")
	}
	return t, nil
}

// ParseDay parses YYYY-MM-DD in loc.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(dayLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, post.Invalid("date", "expected YYYY-MM-DD")
	}
	return t, nil
}
