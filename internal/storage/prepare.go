package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"postbot/internal/campaign"
	"postbot/internal/post"
)

// preparePost fills store-owned fields of a new post in place.
func preparePost(p *post.ScheduledPost, now time.Time) error {
	if p == nil {
		return post.Invalid("post", "nil post")
	}
	if err := post.ValidateChannels(p.Channels); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = post.StatusScheduled
	}
	if p.Status != post.StatusScheduled {
		return post.Invalid("status", "new posts start as scheduled")
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	p.Tags = post.NormalizeTags(p.Tags)
	p.Report = nil
	p.LastError = ""
	p.ClaimedAt = nil
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func prepareCampaign(c *campaign.Campaign, now time.Time) error {
	if c == nil {
		return post.Invalid("campaign", "nil campaign")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = campaign.StatusDraft
	}
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

// checkTransition maps a status change against the current status.
func checkTransition(cur, next post.Status) error {
	if !next.Valid() || !post.CanTransition(cur, next) {
		return post.ErrInvalidTransition
	}
	return nil
}
