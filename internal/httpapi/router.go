package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"postbot/internal/calendar"
	"postbot/internal/campaign"
	"postbot/internal/channels"
	"postbot/internal/post"
	"postbot/internal/posting"
	"postbot/internal/scheduler"
	logx "postbot/pkg/logx"
)

// Posts is the owner write path; *posting.Service satisfies it.
type Posts interface {
	Create(ctx context.Context, d posting.Draft) (post.ScheduledPost, error)
	Edit(ctx context.Context, ownerID int64, id string, patch posting.Patch) (post.ScheduledPost, error)
	Delete(ctx context.Context, ownerID int64, id string) error
	Get(ctx context.Context, ownerID int64, id string) (post.ScheduledPost, error)
	ListScheduled(ctx context.Context, ownerID int64) ([]post.ScheduledPost, error)
	ListByTag(ctx context.Context, ownerID int64, tag string) ([]post.ScheduledPost, error)
}

// Calendar is the read side; *calendar.Aggregator satisfies it.
type Calendar interface {
	Location() *time.Location
	GetMonth(ctx context.Context, ownerID int64, monthStart time.Time, filter calendar.Filter) (calendar.MonthView, error)
	GetDay(ctx context.Context, ownerID int64, date time.Time, filter calendar.Filter) ([]calendar.Item, error)
	GetRange(ctx context.Context, ownerID int64, from, to time.Time, filter calendar.Filter) (calendar.RangeView, error)
}

// Campaigns is the slice of storage.CampaignStore the API needs.
type Campaigns interface {
	CreateCampaign(ctx context.Context, c *campaign.Campaign) (string, error)
	FindCampaign(ctx context.Context, id string, ownerID int64) (campaign.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id string, status campaign.Status) error
	UpdateCampaignStats(ctx context.Context, id string, patch campaign.StatsPatch) (campaign.Campaign, error)
}

type Health interface {
	Snapshot() scheduler.Snapshot
}

type Deps struct {
	Posts     Posts
	Calendar  Calendar
	Campaigns Campaigns
	Channels  channels.Lister
	Health    Health
}

type handlers struct {
	Deps
	log logx.Logger
}

// NewRouter wires every route. Call gin.SetMode before it in tests.
func NewRouter(cfg Config, d Deps, log logx.Logger) *gin.Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{Deps: d, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	if cfg.Token != "" {
		v1.Use(bearerAuth(cfg.Token))
	}
	owner := v1.Group("/owners/:owner", ownerParam())
	{
		owner.GET("/calendar/month", h.calendarMonth)
		owner.GET("/calendar/day", h.calendarDay)
		owner.GET("/calendar/range", h.calendarRange)

		owner.POST("/posts", h.createPost)
		owner.GET("/posts", h.listPosts)
		owner.GET("/posts/:id", h.getPost)
		owner.PATCH("/posts/:id", h.editPost)
		owner.DELETE("/posts/:id", h.deletePost)

		owner.POST("/campaigns", h.createCampaign)
		owner.GET("/campaigns/:id", h.getCampaign)
		owner.PATCH("/campaigns/:id/status", h.setCampaignStatus)
		owner.GET("/campaigns/:id/stats", h.campaignStats)
		owner.PATCH("/campaigns/:id/stats", h.updateCampaignStats)

		owner.GET("/channels", h.listChannels)
	}
	return r
}

func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
