package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"postbot/internal/calendar"
	"postbot/internal/campaign"
	"postbot/internal/post"
	"postbot/internal/posting"
	logx "postbot/pkg/logx"
)

const ownerKey = "owner_id"

func ownerParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("owner"), 10, 64)
		if err != nil || id == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid owner id"})
			return
		}
		c.Set(ownerKey, id)
		c.Next()
	}
}

func ownerOf(c *gin.Context) int64 { return c.GetInt64(ownerKey) }

// fail maps domain errors to status codes.
func (h *handlers) fail(c *gin.Context, err error) {
	var ve *post.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "fields": ve.FieldMap()})
	case errors.Is(err, post.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, post.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
}

func (h *handlers) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.Health != nil {
		body["scheduler"] = h.Health.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) filter(c *gin.Context) (calendar.Filter, bool) {
	f, err := calendar.ParseFilter(c.Query("filter"))
	if err != nil {
		h.fail(c, err)
		return "", false
	}
	return f, true
}

func (h *handlers) calendarMonth(c *gin.Context) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	loc := h.Calendar.Location()
	month := time.Now().In(loc)
	if q := c.Query("month"); q != "" {
		m, err := calendar.ParseMonth(q, loc)
		if err != nil {
			h.fail(c, err)
			return
		}
		month = m
	}
	v, err := h.Calendar.GetMonth(c.Request.Context(), ownerOf(c), month, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *handlers) calendarDay(c *gin.Context) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	day, err := calendar.ParseDay(c.Query("date"), h.Calendar.Location())
	if err != nil {
		h.fail(c, err)
		return
	}
	items, err := h.Calendar.GetDay(c.Request.Context(), ownerOf(c), day, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": day.Format("2006-01-02"), "filter": f, "items": items})
}

func (h *handlers) calendarRange(c *gin.Context) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	loc := h.Calendar.Location()
	from, err := parseBound(c.Query("from"), "from", loc, false)
	if err != nil {
		h.fail(c, err)
		return
	}
	to, err := parseBound(c.Query("to"), "to", loc, true)
	if err != nil {
		h.fail(c, err)
		return
	}
	v, err := h.Calendar.GetRange(c.Request.Context(), ownerOf(c), from, to, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// parseBound accepts RFC3339 or a bare date. A bare "to" date covers the whole day.
func parseBound(s, field string, loc *time.Location, end bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, post.Invalid(field, "required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, post.Invalid(field, "expected RFC3339 or YYYY-MM-DD")
	}
	if end {
		d = d.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return d, nil
}

func (h *handlers) createPost(c *gin.Context) {
	var d posting.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		badBody(c)
		return
	}
	d.OwnerID = ownerOf(c)
	p, err := h.Posts.Create(c.Request.Context(), d)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *handlers) listPosts(c *gin.Context) {
	var (
		list []post.ScheduledPost
		err  error
	)
	if tag, ok := c.GetQuery("tag"); ok {
		list, err = h.Posts.ListByTag(c.Request.Context(), ownerOf(c), tag)
	} else {
		list, err = h.Posts.ListScheduled(c.Request.Context(), ownerOf(c))
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []post.ScheduledPost{}
	}
	c.JSON(http.StatusOK, gin.H{"posts": list})
}

func (h *handlers) getPost(c *gin.Context) {
	p, err := h.Posts.Get(c.Request.Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) editPost(c *gin.Context) {
	var patch posting.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badBody(c)
		return
	}
	p, err := h.Posts.Edit(c.Request.Context(), ownerOf(c), c.Param("id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) deletePost(c *gin.Context) {
	if err := h.Posts.Delete(c.Request.Context(), ownerOf(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type campaignRequest struct {
	Content          post.Content    `json:"content"`
	Budget           decimal.Decimal `json:"budget"`
	StartDate        time.Time       `json:"start_date"`
	EndDate          time.Time       `json:"end_date"`
	Status           campaign.Status `json:"status"`
	TargetCategories []string        `json:"target_categories"`
	Keywords         []string        `json:"keywords"`
}

func (h *handlers) createCampaign(c *gin.Context) {
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if req.StartDate.IsZero() {
		h.fail(c, post.Invalid("start_date", "required"))
		return
	}
	if req.EndDate.IsZero() {
		h.fail(c, post.Invalid("end_date", "required"))
		return
	}
	camp := &campaign.Campaign{
		OwnerID:          ownerOf(c),
		Content:          req.Content,
		Budget:           req.Budget,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		Status:           req.Status,
		TargetCategories: req.TargetCategories,
		Keywords:         req.Keywords,
	}
	if _, err := h.Campaigns.CreateCampaign(c.Request.Context(), camp); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, camp)
}

func (h *handlers) getCampaign(c *gin.Context) {
	camp, err := h.Campaigns.FindCampaign(c.Request.Context(), c.Param("id"), ownerOf(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h *handlers) setCampaignStatus(c *gin.Context) {
	var req struct {
		Status campaign.Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.Campaigns.FindCampaign(ctx, id, ownerOf(c)); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Campaigns.UpdateCampaignStatus(ctx, id, req.Status); err != nil {
		h.fail(c, err)
		return
	}
	camp, err := h.Campaigns.FindCampaign(ctx, id, ownerOf(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h *handlers) campaignStats(c *gin.Context) {
	camp, err := h.Campaigns.FindCampaign(c.Request.Context(), c.Param("id"), ownerOf(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, camp.Report())
}

func (h *handlers) updateCampaignStats(c *gin.Context) {
	var patch campaign.StatsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badBody(c)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.Campaigns.FindCampaign(ctx, id, ownerOf(c)); err != nil {
		h.fail(c, err)
		return
	}
	camp, err := h.Campaigns.UpdateCampaignStats(ctx, id, patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, camp.Report())
}

func (h *handlers) listChannels(c *gin.Context) {
	list, err := h.Channels.ListChannels(c.Request.Context(), ownerOf(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": list})
}
