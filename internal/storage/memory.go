package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"postbot/internal/campaign"
	"postbot/internal/channels"
	"postbot/internal/post"
)

// Memory is a non-durable Store. Values are cloned on the way in and out.
type Memory struct {
	mu         sync.RWMutex
	posts      map[string]*memPost
	campaigns  map[string]campaign.Campaign
	channels   map[int64]map[string]channels.Channel
	deliveries []post.DeliveryRecord
	dedup      map[string]time.Time
	now        func() time.Time
}

type memPost struct {
	p          post.ScheduledPost
	claimUntil time.Time
}

func NewMemory() *Memory {
	return &Memory{
		posts:     map[string]*memPost{},
		campaigns: map[string]campaign.Campaign{},
		channels:  map[int64]map[string]channels.Channel{},
		dedup:     map[string]time.Time{},
		now:       time.Now,
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreatePost(_ context.Context, p *post.ScheduledPost) (string, error) {
	if err := preparePost(p, m.now()); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = &memPost{p: p.Clone()}
	return p.ID, nil
}

func (m *Memory) FindDue(_ context.Context, now time.Time) ([]post.ScheduledPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []post.ScheduledPost
	for _, mp := range m.posts {
		if mp.p.Status != post.StatusScheduled || mp.p.ScheduleTime.After(now) {
			continue
		}
		if !mp.claimUntil.IsZero() && mp.claimUntil.After(now) {
			continue
		}
		out = append(out, mp.p.Clone())
	}
	return out, nil
}

func (m *Memory) FindPost(_ context.Context, id string, ownerID int64) (post.ScheduledPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.posts[id]
	if !ok || mp.p.OwnerID != ownerID {
		return post.ScheduledPost{}, post.ErrNotFound
	}
	return mp.p.Clone(), nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status post.Status, report post.DeliveryReport, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.posts[id]
	if !ok {
		return post.ErrNotFound
	}
	if err := checkTransition(mp.p.Status, status); err != nil {
		return err
	}
	mp.p.Status = status
	mp.p.Report = append(post.DeliveryReport(nil), report...)
	mp.p.LastError = lastErr
	mp.p.ClaimedAt = nil
	mp.p.UpdatedAt = m.now()
	mp.claimUntil = time.Time{}
	return nil
}

func (m *Memory) ownerPosts(ownerID int64, keep func(*post.ScheduledPost) bool) []post.ScheduledPost {
	var out []post.ScheduledPost
	for _, mp := range m.posts {
		if mp.p.OwnerID == ownerID && keep(&mp.p) {
			out = append(out, mp.p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduleTime.Equal(out[j].ScheduleTime) {
			return out[i].ScheduleTime.Before(out[j].ScheduleTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) FindScheduledByOwner(_ context.Context, ownerID int64) ([]post.ScheduledPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownerPosts(ownerID, func(p *post.ScheduledPost) bool { return p.Status == post.StatusScheduled }), nil
}

func (m *Memory) FindInRange(_ context.Context, ownerID int64, from, to time.Time) ([]post.ScheduledPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownerPosts(ownerID, func(p *post.ScheduledPost) bool {
		return p.Status != post.StatusDeleted && !p.ScheduleTime.Before(from) && !p.ScheduleTime.After(to)
	}), nil
}

func (m *Memory) FindByTag(_ context.Context, ownerID int64, tag string) ([]post.ScheduledPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownerPosts(ownerID, func(p *post.ScheduledPost) bool {
		return p.Status == post.StatusScheduled && hasTag(p.Tags, tag)
	}), nil
}

func (m *Memory) SoftDelete(_ context.Context, id string, ownerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.posts[id]
	if !ok || mp.p.OwnerID != ownerID {
		return post.ErrNotFound
	}
	if err := checkTransition(mp.p.Status, post.StatusDeleted); err != nil {
		return err
	}
	mp.p.Status = post.StatusDeleted
	mp.p.UpdatedAt = m.now()
	return nil
}

func (m *Memory) UpdatePost(_ context.Context, p *post.ScheduledPost) error {
	if err := post.ValidateChannels(p.Channels); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.posts[p.ID]
	if !ok || mp.p.OwnerID != p.OwnerID {
		return post.ErrNotFound
	}
	if mp.p.Status != post.StatusScheduled {
		return post.ErrInvalidTransition
	}
	cp := p.Clone()
	mp.p.Channels = cp.Channels
	mp.p.Content = cp.Content
	mp.p.ScheduleTime = cp.ScheduleTime
	mp.p.Tags = post.NormalizeTags(cp.Tags)
	mp.p.Settings = cp.Settings
	mp.p.UpdatedAt = m.now()
	p.UpdatedAt = mp.p.UpdatedAt
	return nil
}

func (m *Memory) ClaimPost(_ context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.posts[id]
	if !ok {
		return false, post.ErrNotFound
	}
	if mp.p.Status != post.StatusScheduled {
		return false, nil
	}
	if !mp.claimUntil.IsZero() && mp.claimUntil.After(now) {
		return false, nil
	}
	t := now
	mp.p.ClaimedAt = &t
	mp.claimUntil = now.Add(lease)
	return true, nil
}

func (m *Memory) RecordDelivery(_ context.Context, r post.DeliveryRecord) error {
	m.mu.Lock()
	m.deliveries = append(m.deliveries, r)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeliveredChannels(_ context.Context, postID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, r := range m.deliveries {
		if r.PostID != postID || !r.OK {
			continue
		}
		if _, ok := seen[r.ChannelID]; ok {
			continue
		}
		seen[r.ChannelID] = struct{}{}
		out = append(out, r.ChannelID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) CreateCampaign(_ context.Context, c *campaign.Campaign) (string, error) {
	if err := prepareCampaign(c, m.now()); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.campaigns[c.ID] = c.Clone()
	m.mu.Unlock()
	return c.ID, nil
}

func (m *Memory) FindCampaign(_ context.Context, id string, ownerID int64) (campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return campaign.Campaign{}, post.ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) FindCampaignsOverlapping(_ context.Context, ownerID int64, from, to time.Time, statuses []campaign.Status) ([]campaign.Campaign, error) {
	want := map[campaign.Status]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	var out []campaign.Campaign
	for _, c := range m.campaigns {
		if c.OwnerID == ownerID && want[c.Status] && c.Overlaps(from, to) {
			out = append(out, c.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateCampaignStatus(_ context.Context, id string, status campaign.Status) error {
	if !status.Valid() {
		return post.Invalid("status", "unknown campaign status "+string(status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return post.ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = m.now()
	m.campaigns[id] = c
	return nil
}

func (m *Memory) UpdateCampaignStats(_ context.Context, id string, patch campaign.StatsPatch) (campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.Campaign{}, post.ErrNotFound
	}
	c.Stats = c.Stats.Merge(patch)
	c.UpdatedAt = m.now()
	m.campaigns[id] = c
	return c.Clone(), nil
}

func (m *Memory) ExpireCampaigns(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.campaigns {
		if c.Status == campaign.StatusActive && c.EndDate.Before(now) {
			c.Status = campaign.StatusCompleted
			c.UpdatedAt = m.now()
			m.campaigns[id] = c
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertChannel(_ context.Context, c channels.Channel) error {
	if c.ID == "" {
		return post.Invalid("id", "channel id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.channels[c.OwnerID]
	if byID == nil {
		byID = map[string]channels.Channel{}
		m.channels[c.OwnerID] = byID
	}
	byID[c.ID] = c
	return nil
}

func (m *Memory) ListChannels(_ context.Context, ownerID int64) ([]channels.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]channels.Channel, 0, len(m.channels[ownerID]))
	for _, c := range m.channels[ownerID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}
