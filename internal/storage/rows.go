package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"postbot/internal/campaign"
	"postbot/internal/channels"
	"postbot/internal/post"
)

// Rows are shared by the sqlite and gorm drivers. Instants are unix
// milliseconds so range predicates compare integers on every backend.
// Nested values are JSON documents.

type postRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	OwnerID    int64  `gorm:"not null;index:idx_posts_owner_time,priority:1"`
	Status     string `gorm:"size:16;not null;index:idx_posts_status_time,priority:1"`
	ScheduleAt int64  `gorm:"column:schedule_at;not null;index:idx_posts_owner_time,priority:2;index:idx_posts_status_time,priority:2"`
	Channels   string `gorm:"type:text;not null"`
	Content    string `gorm:"type:text;not null"`
	Settings   string `gorm:"type:text;not null"`
	Tags       string `gorm:"type:text;not null"`
	Report     string `gorm:"type:text"`
	LastError  string `gorm:"type:text"`
	ClaimedAt  *int64
	ClaimUntil *int64
	CreatedMS  int64 `gorm:"column:created_at_ms;not null"`
	UpdatedMS  int64 `gorm:"column:updated_at_ms;not null"`
}

func (postRow) TableName() string { return "posts" }

type campaignRow struct {
	ID               string `gorm:"primaryKey;size:36"`
	OwnerID          int64  `gorm:"not null;index:idx_campaigns_owner_range,priority:1"`
	Status           string `gorm:"size:16;not null"`
	StartAt          int64  `gorm:"column:start_at;not null;index:idx_campaigns_owner_range,priority:2"`
	EndAt            int64  `gorm:"column:end_at;not null"`
	Budget           string `gorm:"size:64;not null"`
	Content          string `gorm:"type:text;not null"`
	Stats            string `gorm:"type:text;not null"`
	TargetCategories string `gorm:"type:text"`
	Keywords         string `gorm:"type:text"`
	CreatedMS        int64  `gorm:"column:created_at_ms;not null"`
	UpdatedMS        int64  `gorm:"column:updated_at_ms;not null"`
}

func (campaignRow) TableName() string { return "campaigns" }

type channelRow struct {
	ID       string `gorm:"primaryKey;size:64"`
	OwnerID  int64  `gorm:"primaryKey"`
	Title    string `gorm:"size:255"`
	Username string `gorm:"size:64"`
	Active   bool
}

func (channelRow) TableName() string { return "channels" }

type deliveryRow struct {
	Seq       int64  `gorm:"primaryKey;autoIncrement"`
	PostID    string `gorm:"size:36;not null;index"`
	OwnerID   int64  `gorm:"not null"`
	ChannelID string `gorm:"size:64;not null"`
	OK        bool   `gorm:"column:ok"`
	MessageID int
	Error     string `gorm:"type:text"`
	AtMS      int64  `gorm:"column:at_ms;not null"`
}

func (deliveryRow) TableName() string { return "deliveries" }

type dedupRow struct {
	Key     string `gorm:"column:dedup_key;primaryKey;size:64"`
	UntilMS int64  `gorm:"column:until_ms;not null"`
}

func (dedupRow) TableName() string { return "dedup" }

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func msPtr(p *int64) *time.Time {
	if p == nil {
		return nil
	}
	t := fromMS(*p)
	return &t
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func postToRow(p *post.ScheduledPost) (postRow, error) {
	r := postRow{
		ID:         p.ID,
		OwnerID:    p.OwnerID,
		Status:     string(p.Status),
		ScheduleAt: ms(p.ScheduleTime),
		LastError:  p.LastError,
		CreatedMS:  ms(p.CreatedAt),
		UpdatedMS:  ms(p.UpdatedAt),
	}
	if p.ClaimedAt != nil {
		v := ms(*p.ClaimedAt)
		r.ClaimedAt = &v
	}
	var err error
	if r.Channels, err = encodeJSON(p.Channels); err != nil {
		return r, err
	}
	if r.Content, err = encodeJSON(p.Content); err != nil {
		return r, err
	}
	if r.Settings, err = encodeJSON(p.Settings); err != nil {
		return r, err
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	if r.Tags, err = encodeJSON(tags); err != nil {
		return r, err
	}
	if len(p.Report) > 0 {
		if r.Report, err = encodeJSON(p.Report); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (r postRow) toPost() (post.ScheduledPost, error) {
	p := post.ScheduledPost{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Status:       post.Status(r.Status),
		ScheduleTime: fromMS(r.ScheduleAt),
		LastError:    r.LastError,
		ClaimedAt:    msPtr(r.ClaimedAt),
		CreatedAt:    fromMS(r.CreatedMS),
		UpdatedAt:    fromMS(r.UpdatedMS),
	}
	for _, f := range []struct {
		raw string
		dst any
	}{
		{r.Channels, &p.Channels},
		{r.Content, &p.Content},
		{r.Settings, &p.Settings},
		{r.Tags, &p.Tags},
		{r.Report, &p.Report},
	} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return post.ScheduledPost{}, err
		}
	}
	if len(p.Tags) == 0 {
		p.Tags = nil
	}
	return p, nil
}

func campaignToRow(c *campaign.Campaign) (campaignRow, error) {
	r := campaignRow{
		ID:        c.ID,
		OwnerID:   c.OwnerID,
		Status:    string(c.Status),
		StartAt:   ms(c.StartDate),
		EndAt:     ms(c.EndDate),
		Budget:    c.Budget.String(),
		CreatedMS: ms(c.CreatedAt),
		UpdatedMS: ms(c.UpdatedAt),
	}
	var err error
	if r.Content, err = encodeJSON(c.Content); err != nil {
		return r, err
	}
	if r.Stats, err = encodeJSON(c.Stats); err != nil {
		return r, err
	}
	if r.TargetCategories, err = encodeJSON(c.TargetCategories); err != nil {
		return r, err
	}
	if r.Keywords, err = encodeJSON(c.Keywords); err != nil {
		return r, err
	}
	return r, nil
}

func (r campaignRow) toCampaign() (campaign.Campaign, error) {
	budget, err := decimal.NewFromString(r.Budget)
	if err != nil {
		return campaign.Campaign{}, err
	}
	c := campaign.Campaign{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Status:    campaign.Status(r.Status),
		StartDate: fromMS(r.StartAt),
		EndDate:   fromMS(r.EndAt),
		Budget:    budget,
		CreatedAt: fromMS(r.CreatedMS),
		UpdatedAt: fromMS(r.UpdatedMS),
	}
	for _, f := range []struct {
		raw string
		dst any
	}{
		{r.Content, &c.Content},
		{r.Stats, &c.Stats},
		{r.TargetCategories, &c.TargetCategories},
		{r.Keywords, &c.Keywords},
	} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return campaign.Campaign{}, err
		}
	}
	return c, nil
}

func (r channelRow) toChannel() channels.Channel {
	return channels.Channel{ID: r.ID, OwnerID: r.OwnerID, Title: r.Title, Username: r.Username, Active: r.Active}
}

func statusStrings(in []campaign.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
