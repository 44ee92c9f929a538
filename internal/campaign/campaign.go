// Package campaign holds the ad campaign records the calendar merges with
// scheduled posts. Campaigns have their own lifecycle; the scheduling core
// only reads them and updates status and stats.
package campaign

import (
	"time"

	"github.com/shopspring/decimal"

	"postbot/internal/post"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusDeleted   Status = "deleted"
)

// ActiveStatuses are the states a campaign is shown in on the calendar.
var ActiveStatuses = []Status{StatusPending, StatusActive}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusActive, StatusCompleted, StatusRejected, StatusDeleted:
		return true
	}
	return false
}

type Campaign struct {
	ID               string          `json:"id"`
	OwnerID          int64           `json:"owner_id"`
	Content          post.Content    `json:"content"`
	Budget           decimal.Decimal `json:"budget"`
	StartDate        time.Time       `json:"start_date"`
	EndDate          time.Time       `json:"end_date"`
	Status           Status          `json:"status"`
	Stats            Stats           `json:"stats"`
	TargetCategories []string        `json:"target_categories,omitempty"`
	Keywords         []string        `json:"keywords,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Overlaps reports whether [StartDate, EndDate] intersects [from, to], bounds inclusive.
func (c Campaign) Overlaps(from, to time.Time) bool {
	return !c.StartDate.After(to) && !c.EndDate.Before(from)
}

func (c Campaign) Validate() error {
	if c.OwnerID == 0 {
		return post.Invalid("owner_id", "required")
	}
	if c.EndDate.Before(c.StartDate) {
		return post.Invalid("end_date", "must not be before start_date")
	}
	if c.Budget.IsNegative() {
		return post.Invalid("budget", "must be >= 0")
	}
	if c.Status != "" && !c.Status.Valid() {
		return post.Invalid("status", "unknown campaign status "+string(c.Status))
	}
	return nil
}

func (c Campaign) Clone() Campaign {
	cp := c
	cp.Content = c.Content.Clone()
	cp.TargetCategories = append([]string(nil), c.TargetCategories...)
	cp.Keywords = append([]string(nil), c.Keywords...)
	return cp
}

// Title is a short label for listings.
func (c Campaign) Title() string { return c.Content.Summary() }
