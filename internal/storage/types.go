package storage

import (
	"context"
	"time"

	"postbot/internal/campaign"
	"postbot/internal/channels"
	"postbot/internal/post"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): single-file database
//   - "postgres", "mysql": relational database through gorm, DSN required
//   - "memory": in-process maps, lost on exit
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PostStore is the single source of truth for scheduled posts.
// Owner-scoped lookups and mutations fail with post.ErrNotFound when the
// id/owner pair does not match. Infrastructure failures are *post.StoreError.
type PostStore interface {
	CreatePost(ctx context.Context, p *post.ScheduledPost) (string, error)
	// FindDue returns scheduled posts with ScheduleTime <= now that are not
	// under an unexpired claim. Order is unspecified.
	FindDue(ctx context.Context, now time.Time) ([]post.ScheduledPost, error)
	FindPost(ctx context.Context, id string, ownerID int64) (post.ScheduledPost, error)
	// UpdateStatus moves a scheduled post to a terminal status and clears its claim.
	UpdateStatus(ctx context.Context, id string, status post.Status, report post.DeliveryReport, lastErr string) error
	FindScheduledByOwner(ctx context.Context, ownerID int64) ([]post.ScheduledPost, error)
	// FindInRange returns non-deleted posts with from <= ScheduleTime <= to, ascending.
	FindInRange(ctx context.Context, ownerID int64, from, to time.Time) ([]post.ScheduledPost, error)
	SoftDelete(ctx context.Context, id string, ownerID int64) error

	UpdatePost(ctx context.Context, p *post.ScheduledPost) error
	FindByTag(ctx context.Context, ownerID int64, tag string) ([]post.ScheduledPost, error)
	// ClaimPost marks a scheduled post as in flight until now+lease. It returns
	// false when another claim is still valid or the post is no longer scheduled.
	ClaimPost(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)

	RecordDelivery(ctx context.Context, r post.DeliveryRecord) error
	// DeliveredChannels lists channels with at least one successful send for the post.
	DeliveredChannels(ctx context.Context, postID string) ([]string, error)
}

type CampaignStore interface {
	CreateCampaign(ctx context.Context, c *campaign.Campaign) (string, error)
	FindCampaign(ctx context.Context, id string, ownerID int64) (campaign.Campaign, error)
	// FindCampaignsOverlapping returns campaigns whose [StartDate, EndDate]
	// intersects [from, to] and whose status is in statuses, by StartDate.
	FindCampaignsOverlapping(ctx context.Context, ownerID int64, from, to time.Time, statuses []campaign.Status) ([]campaign.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id string, status campaign.Status) error
	UpdateCampaignStats(ctx context.Context, id string, patch campaign.StatsPatch) (campaign.Campaign, error)
	// ExpireCampaigns completes active campaigns whose EndDate is before now.
	ExpireCampaigns(ctx context.Context, now time.Time) (int, error)
}

type ChannelStore interface {
	UpsertChannel(ctx context.Context, c channels.Channel) error
	ListChannels(ctx context.Context, ownerID int64) ([]channels.Channel, error)
}

// DedupStore persists notifier suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Store interface {
	PostStore
	CampaignStore
	ChannelStore
	DedupStore
	Close() error
}
