package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"postbot/internal/campaign"
	"postbot/internal/channels"
	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

// gormStore backs postgres and mysql. Schema comes from AutoMigrate on the row types.
type gormStore struct {
	db  *gorm.DB
	log logx.Logger
	now func() time.Time
}

func openGorm(driver string, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("%s dsn is required", driver)
	}
	var dial gorm.Dialector
	switch driver {
	case "postgres":
		dial = postgres.Open(dsn)
	case "mysql":
		dial = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown gorm driver: %s", driver)
	}

	db, err := gorm.Open(dial, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open gorm %s: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve %s sql db handle: %w", driver, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&postRow{}, &campaignRow{}, &channelRow{}, &deliveryRow{}, &dedupRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	log.Debug("gorm store opened", logx.String("driver", driver))
	return &gormStore{db: db, log: log, now: time.Now}, nil
}

func (g *gormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowsToPosts(op string, rows []postRow) ([]post.ScheduledPost, error) {
	out := make([]post.ScheduledPost, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPost()
		if err != nil {
			return nil, post.WrapStore(op, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (g *gormStore) CreatePost(ctx context.Context, p *post.ScheduledPost) (string, error) {
	if err := preparePost(p, g.now()); err != nil {
		return "", err
	}
	row, err := postToRow(p)
	if err != nil {
		return "", post.WrapStore("create_post", err)
	}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", post.WrapStore("create_post", err)
	}
	return p.ID, nil
}

func (g *gormStore) FindDue(ctx context.Context, now time.Time) ([]post.ScheduledPost, error) {
	n := ms(now)
	var rows []postRow
	if err := g.db.WithContext(ctx).
		Where("status = ?", string(post.StatusScheduled)).
		Where("schedule_at <= ?", n).
		Where("claim_until IS NULL OR claim_until <= ?", n).
		Find(&rows).Error; err != nil {
		return nil, post.WrapStore("find_due", err)
	}
	return rowsToPosts("find_due", rows)
}

func (g *gormStore) FindPost(ctx context.Context, id string, ownerID int64) (post.ScheduledPost, error) {
	var row postRow
	err := g.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return post.ScheduledPost{}, post.ErrNotFound
	}
	if err != nil {
		return post.ScheduledPost{}, post.WrapStore("find_post", err)
	}
	p, err := row.toPost()
	return p, post.WrapStore("find_post", err)
}

// explain turns a zero-row compare-and-set into ErrNotFound or ErrInvalidTransition.
func (g *gormStore) explain(ctx context.Context, op string, q *gorm.DB) error {
	var n int64
	if err := q.WithContext(ctx).Model(&postRow{}).Count(&n).Error; err != nil {
		return post.WrapStore(op, err)
	}
	if n == 0 {
		return post.ErrNotFound
	}
	return post.ErrInvalidTransition
}

func (g *gormStore) UpdateStatus(ctx context.Context, id string, status post.Status, report post.DeliveryReport, lastErr string) error {
	if err := checkTransition(post.StatusScheduled, status); err != nil {
		return err
	}
	rep := ""
	if len(report) > 0 {
		var err error
		if rep, err = encodeJSON(report); err != nil {
			return post.WrapStore("update_status", err)
		}
	}
	res := g.db.WithContext(ctx).
		Model(&postRow{}).
		Where("id = ? AND status = ?", id, string(post.StatusScheduled)).
		Updates(map[string]any{
			"status":        string(status),
			"report":        rep,
			"last_error":    lastErr,
			"claimed_at":    nil,
			"claim_until":   nil,
			"updated_at_ms": ms(g.now()),
		})
	if res.Error != nil {
		return post.WrapStore("update_status", res.Error)
	}
	if res.RowsAffected == 0 {
		return g.explain(ctx, "update_status", g.db.Where("id = ?", id))
	}
	return nil
}

func (g *gormStore) findPosts(ctx context.Context, op string, q *gorm.DB) ([]post.ScheduledPost, error) {
	var rows []postRow
	if err := q.WithContext(ctx).Order("schedule_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, post.WrapStore(op, err)
	}
	return rowsToPosts(op, rows)
}

func (g *gormStore) FindScheduledByOwner(ctx context.Context, ownerID int64) ([]post.ScheduledPost, error) {
	return g.findPosts(ctx, "find_scheduled",
		g.db.Where("owner_id = ? AND status = ?", ownerID, string(post.StatusScheduled)))
}

func (g *gormStore) FindInRange(ctx context.Context, ownerID int64, from, to time.Time) ([]post.ScheduledPost, error) {
	return g.findPosts(ctx, "find_in_range",
		g.db.Where("owner_id = ? AND status <> ?", ownerID, string(post.StatusDeleted)).
			Where("schedule_at >= ? AND schedule_at <= ?", ms(from), ms(to)))
}

func (g *gormStore) FindByTag(ctx context.Context, ownerID int64, tag string) ([]post.ScheduledPost, error) {
	all, err := g.FindScheduledByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if hasTag(p.Tags, tag) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (g *gormStore) SoftDelete(ctx context.Context, id string, ownerID int64) error {
	res := g.db.WithContext(ctx).
		Model(&postRow{}).
		Where("id = ? AND owner_id = ? AND status = ?", id, ownerID, string(post.StatusScheduled)).
		Updates(map[string]any{"status": string(post.StatusDeleted), "updated_at_ms": ms(g.now())})
	if res.Error != nil {
		return post.WrapStore("soft_delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return g.explain(ctx, "soft_delete", g.db.Where("id = ? AND owner_id = ?", id, ownerID))
	}
	return nil
}

func (g *gormStore) UpdatePost(ctx context.Context, p *post.ScheduledPost) error {
	if err := post.ValidateChannels(p.Channels); err != nil {
		return err
	}
	p.Tags = post.NormalizeTags(p.Tags)
	row, err := postToRow(p)
	if err != nil {
		return post.WrapStore("update_post", err)
	}
	now := g.now()
	res := g.db.WithContext(ctx).
		Model(&postRow{}).
		Where("id = ? AND owner_id = ? AND status = ?", p.ID, p.OwnerID, string(post.StatusScheduled)).
		Updates(map[string]any{
			"channels":      row.Channels,
			"content":       row.Content,
			"schedule_at":   row.ScheduleAt,
			"tags":          row.Tags,
			"settings":      row.Settings,
			"updated_at_ms": ms(now),
		})
	if res.Error != nil {
		return post.WrapStore("update_post", res.Error)
	}
	if res.RowsAffected == 0 {
		return g.explain(ctx, "update_post", g.db.Where("id = ? AND owner_id = ?", p.ID, p.OwnerID))
	}
	p.UpdatedAt = now
	return nil
}

func (g *gormStore) ClaimPost(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	n := ms(now)
	res := g.db.WithContext(ctx).
		Model(&postRow{}).
		Where("id = ? AND status = ?", id, string(post.StatusScheduled)).
		Where("claim_until IS NULL OR claim_until <= ?", n).
		Updates(map[string]any{"claimed_at": n, "claim_until": ms(now.Add(lease))})
	if res.Error != nil {
		return false, post.WrapStore("claim_post", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	var c int64
	if err := g.db.WithContext(ctx).Model(&postRow{}).Where("id = ?", id).Count(&c).Error; err != nil {
		return false, post.WrapStore("claim_post", err)
	}
	if c == 0 {
		return false, post.ErrNotFound
	}
	return false, nil
}

func (g *gormStore) RecordDelivery(ctx context.Context, r post.DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = g.now()
	}
	row := deliveryRow{
		PostID:    r.PostID,
		OwnerID:   r.OwnerID,
		ChannelID: r.ChannelID,
		OK:        r.OK,
		MessageID: r.MessageID,
		Error:     r.Error,
		AtMS:      ms(r.At),
	}
	return post.WrapStore("record_delivery", g.db.WithContext(ctx).Create(&row).Error)
}

func (g *gormStore) DeliveredChannels(ctx context.Context, postID string) ([]string, error) {
	var out []string
	err := g.db.WithContext(ctx).
		Model(&deliveryRow{}).
		Where("post_id = ? AND ok = ?", postID, true).
		Distinct().
		Order("channel_id").
		Pluck("channel_id", &out).Error
	if err != nil {
		return nil, post.WrapStore("delivered_channels", err)
	}
	return out, nil
}

func (g *gormStore) CreateCampaign(ctx context.Context, c *campaign.Campaign) (string, error) {
	if err := prepareCampaign(c, g.now()); err != nil {
		return "", err
	}
	row, err := campaignToRow(c)
	if err != nil {
		return "", post.WrapStore("create_campaign", err)
	}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", post.WrapStore("create_campaign", err)
	}
	return c.ID, nil
}

func (g *gormStore) firstCampaign(ctx context.Context, op string, q *gorm.DB) (campaign.Campaign, error) {
	var row campaignRow
	err := q.WithContext(ctx).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return campaign.Campaign{}, post.ErrNotFound
	}
	if err != nil {
		return campaign.Campaign{}, post.WrapStore(op, err)
	}
	c, err := row.toCampaign()
	return c, post.WrapStore(op, err)
}

func (g *gormStore) FindCampaign(ctx context.Context, id string, ownerID int64) (campaign.Campaign, error) {
	return g.firstCampaign(ctx, "find_campaign", g.db.Where("id = ? AND owner_id = ?", id, ownerID))
}

func (g *gormStore) FindCampaignsOverlapping(ctx context.Context, ownerID int64, from, to time.Time, statuses []campaign.Status) ([]campaign.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var rows []campaignRow
	if err := g.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Where("start_at <= ? AND end_at >= ?", ms(to), ms(from)).
		Where("status IN ?", statusStrings(statuses)).
		Order("start_at ASC").Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, post.WrapStore("find_campaigns", err)
	}
	out := make([]campaign.Campaign, 0, len(rows))
	for _, r := range rows {
		c, err := r.toCampaign()
		if err != nil {
			return nil, post.WrapStore("find_campaigns", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (g *gormStore) UpdateCampaignStatus(ctx context.Context, id string, status campaign.Status) error {
	if !status.Valid() {
		return post.Invalid("status", "unknown campaign status "+string(status))
	}
	res := g.db.WithContext(ctx).
		Model(&campaignRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at_ms": ms(g.now())})
	if res.Error != nil {
		return post.WrapStore("update_campaign_status", res.Error)
	}
	if res.RowsAffected == 0 {
		return post.ErrNotFound
	}
	return nil
}

func (g *gormStore) UpdateCampaignStats(ctx context.Context, id string, patch campaign.StatsPatch) (campaign.Campaign, error) {
	var out campaign.Campaign
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := g.firstCampaign(ctx, "update_campaign_stats",
			tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
		if err != nil {
			return err
		}
		c.Stats = c.Stats.Merge(patch)
		c.UpdatedAt = g.now()
		raw, err := encodeJSON(c.Stats)
		if err != nil {
			return err
		}
		if err := tx.Model(&campaignRow{}).Where("id = ?", id).
			Updates(map[string]any{"stats": raw, "updated_at_ms": ms(c.UpdatedAt)}).Error; err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return campaign.Campaign{}, post.WrapStore("update_campaign_stats", err)
	}
	return out, nil
}

func (g *gormStore) ExpireCampaigns(ctx context.Context, now time.Time) (int, error) {
	res := g.db.WithContext(ctx).
		Model(&campaignRow{}).
		Where("status = ? AND end_at < ?", string(campaign.StatusActive), ms(now)).
		Updates(map[string]any{"status": string(campaign.StatusCompleted), "updated_at_ms": ms(g.now())})
	if res.Error != nil {
		return 0, post.WrapStore("expire_campaigns", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (g *gormStore) UpsertChannel(ctx context.Context, c channels.Channel) error {
	if c.ID == "" {
		return post.Invalid("id", "channel id is required")
	}
	row := channelRow{ID: c.ID, OwnerID: c.OwnerID, Title: c.Title, Username: c.Username, Active: c.Active}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "username", "active"}),
	}).Create(&row).Error
	return post.WrapStore("upsert_channel", err)
}

func (g *gormStore) ListChannels(ctx context.Context, ownerID int64) ([]channels.Channel, error) {
	var rows []channelRow
	if err := g.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id").Find(&rows).Error; err != nil {
		return nil, post.WrapStore("list_channels", err)
	}
	out := make([]channels.Channel, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toChannel())
	}
	return out, nil
}

func (g *gormStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	row := dedupRow{Key: key, UntilMS: ms(until)}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"until_ms"}),
	}).Create(&row).Error
	return post.WrapStore("put_dedup", err)
}

func (g *gormStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var row dedupRow
	err := g.db.WithContext(ctx).Where("dedup_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, post.WrapStore("get_dedup", err)
	}
	return fromMS(row.UntilMS), true, nil
}
