package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"postbot/internal/campaign"
	"postbot/internal/channels"
	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

const postColumns = `id, owner_id, status, schedule_at, channels, content, settings, tags, report, last_error, claimed_at, created_at_ms, updated_at_ms`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: sqlite has a single writer and this keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(sc rowScanner) (post.ScheduledPost, error) {
	var (
		r         postRow
		report    sql.NullString
		lastErr   sql.NullString
		claimedAt sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.OwnerID, &r.Status, &r.ScheduleAt, &r.Channels, &r.Content, &r.Settings, &r.Tags,
		&report, &lastErr, &claimedAt, &r.CreatedMS, &r.UpdatedMS); err != nil {
		return post.ScheduledPost{}, err
	}
	r.Report = report.String
	r.LastError = lastErr.String
	if claimedAt.Valid {
		v := claimedAt.Int64
		r.ClaimedAt = &v
	}
	return r.toPost()
}

func (s *sqliteStore) queryPosts(ctx context.Context, op, q string, args ...any) ([]post.ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, post.WrapStore(op, err)
	}
	defer rows.Close()
	var out []post.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, post.WrapStore(op, err)
		}
		out = append(out, p)
	}
	return out, post.WrapStore(op, rows.Err())
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func (s *sqliteStore) CreatePost(ctx context.Context, p *post.ScheduledPost) (string, error) {
	if err := preparePost(p, s.now()); err != nil {
		return "", err
	}
	r, err := postToRow(p)
	if err != nil {
		return "", post.WrapStore("create_post", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts(`+postColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.OwnerID, r.Status, r.ScheduleAt, r.Channels, r.Content, r.Settings, r.Tags,
		nullStr(r.Report), nullStr(r.LastError), nil, r.CreatedMS, r.UpdatedMS,
	)
	if err != nil {
		return "", post.WrapStore("create_post", err)
	}
	return p.ID, nil
}

func (s *sqliteStore) FindDue(ctx context.Context, now time.Time) ([]post.ScheduledPost, error) {
	n := ms(now)
	return s.queryPosts(ctx, "find_due",
		`SELECT `+postColumns+` FROM posts
		 WHERE status = ? AND schedule_at <= ? AND (claim_until IS NULL OR claim_until <= ?)`,
		string(post.StatusScheduled), n, n)
}

func (s *sqliteStore) FindPost(ctx context.Context, id string, ownerID int64) (post.ScheduledPost, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = ? AND owner_id = ?`, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return post.ScheduledPost{}, post.ErrNotFound
	}
	if err != nil {
		return post.ScheduledPost{}, post.WrapStore("find_post", err)
	}
	return p, nil
}

// currentStatus resolves why a compare-and-set touched no rows.
func (s *sqliteStore) currentStatus(ctx context.Context, op, id string, ownerID *int64) (post.Status, error) {
	q := `SELECT status FROM posts WHERE id = ?`
	args := []any{id}
	if ownerID != nil {
		q += ` AND owner_id = ?`
		args = append(args, *ownerID)
	}
	var st string
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", post.ErrNotFound
	}
	if err != nil {
		return "", post.WrapStore(op, err)
	}
	return post.Status(st), nil
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status post.Status, report post.DeliveryReport, lastErr string) error {
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, report = ?, last_error = ?, claimed_at = NULL, claim_until = NULL, updated_at_ms = ?
		 WHERE id = ? AND status = ?`,
		string(status), nullStr(rep), nullStr(lastErr), ms(s.now()), id, string(post.StatusScheduled))
	if err != nil {
		return post.WrapStore("update_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.currentStatus(ctx, "update_status", id, nil); err != nil {
			return err
		}
		return post.ErrInvalidTransition
	}
	return nil
}

func (s *sqliteStore) FindScheduledByOwner(ctx context.Context, ownerID int64) ([]post.ScheduledPost, error) {
	return s.queryPosts(ctx, "find_scheduled",
		`SELECT `+postColumns+` FROM posts WHERE owner_id = ? AND status = ? ORDER BY schedule_at ASC, id ASC`,
		ownerID, string(post.StatusScheduled))
}

func (s *sqliteStore) FindInRange(ctx context.Context, ownerID int64, from, to time.Time) ([]post.ScheduledPost, error) {
	return s.queryPosts(ctx, "find_in_range",
		`SELECT `+postColumns+` FROM posts
		 WHERE owner_id = ? AND status <> ? AND schedule_at >= ? AND schedule_at <= ?
		 ORDER BY schedule_at ASC, id ASC`,
		ownerID, string(post.StatusDeleted), ms(from), ms(to))
}

func (s *sqliteStore) FindByTag(ctx context.Context, ownerID int64, tag string) ([]post.ScheduledPost, error) {
	all, err := s.FindScheduledByOwner(ctx, ownerID)
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

func (s *sqliteStore) SoftDelete(ctx context.Context, id string, ownerID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, updated_at_ms = ? WHERE id = ? AND owner_id = ? AND status = ?`,
		string(post.StatusDeleted), ms(s.now()), id, ownerID, string(post.StatusScheduled))
	if err != nil {
		return post.WrapStore("soft_delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.currentStatus(ctx, "soft_delete", id, &ownerID); err != nil {
			return err
		}
		return post.ErrInvalidTransition
	}
	return nil
}

func (s *sqliteStore) UpdatePost(ctx context.Context, p *post.ScheduledPost) error {
	if err := post.ValidateChannels(p.Channels); err != nil {
		return err
	}
	p.Tags = post.NormalizeTags(p.Tags)
	r, err := postToRow(p)
	if err != nil {
		return post.WrapStore("update_post", err)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET channels = ?, content = ?, schedule_at = ?, tags = ?, settings = ?, updated_at_ms = ?
		 WHERE id = ? AND owner_id = ? AND status = ?`,
		r.Channels, r.Content, r.ScheduleAt, r.Tags, r.Settings, ms(now), p.ID, p.OwnerID, string(post.StatusScheduled))
	if err != nil {
		return post.WrapStore("update_post", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.currentStatus(ctx, "update_post", p.ID, &p.OwnerID); err != nil {
			return err
		}
		return post.ErrInvalidTransition
	}
	p.UpdatedAt = now
	return nil
}

func (s *sqliteStore) ClaimPost(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	n := ms(now)
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET claimed_at = ?, claim_until = ?
		 WHERE id = ? AND status = ? AND (claim_until IS NULL OR claim_until <= ?)`,
		n, ms(now.Add(lease)), id, string(post.StatusScheduled), n)
	if err != nil {
		return false, post.WrapStore("claim_post", err)
	}
	if c, _ := res.RowsAffected(); c == 1 {
		return true, nil
	}
	if _, err := s.currentStatus(ctx, "claim_post", id, nil); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqliteStore) RecordDelivery(ctx context.Context, r post.DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(post_id, owner_id, channel_id, ok, message_id, error, at_ms) VALUES(?,?,?,?,?,?,?)`,
		r.PostID, r.OwnerID, r.ChannelID, r.OK, r.MessageID, nullStr(r.Error), ms(r.At))
	return post.WrapStore("record_delivery", err)
}

func (s *sqliteStore) DeliveredChannels(ctx context.Context, postID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT channel_id FROM deliveries WHERE post_id = ? AND ok = 1 ORDER BY channel_id`, postID)
	if err != nil {
		return nil, post.WrapStore("delivered_channels", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, post.WrapStore("delivered_channels", err)
		}
		out = append(out, id)
	}
	return out, post.WrapStore("delivered_channels", rows.Err())
}

const campaignColumns = `id, owner_id, status, start_at, end_at, budget, content, stats, target_categories, keywords, created_at_ms, updated_at_ms`

func scanCampaign(sc rowScanner) (campaign.Campaign, error) {
	var (
		r      campaignRow
		cats   sql.NullString
		keywds sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.OwnerID, &r.Status, &r.StartAt, &r.EndAt, &r.Budget, &r.Content, &r.Stats,
		&cats, &keywds, &r.CreatedMS, &r.UpdatedMS); err != nil {
		return campaign.Campaign{}, err
	}
	r.TargetCategories = cats.String
	r.Keywords = keywds.String
	return r.toCampaign()
}

func (s *sqliteStore) CreateCampaign(ctx context.Context, c *campaign.Campaign) (string, error) {
	if err := prepareCampaign(c, s.now()); err != nil {
		return "", err
	}
	r, err := campaignToRow(c)
	if err != nil {
		return "", post.WrapStore("create_campaign", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns(`+campaignColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.OwnerID, r.Status, r.StartAt, r.EndAt, r.Budget, r.Content, r.Stats,
		r.TargetCategories, r.Keywords, r.CreatedMS, r.UpdatedMS)
	if err != nil {
		return "", post.WrapStore("create_campaign", err)
	}
	return c.ID, nil
}

func (s *sqliteStore) FindCampaign(ctx context.Context, id string, ownerID int64) (campaign.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ? AND owner_id = ?`, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, post.ErrNotFound
	}
	if err != nil {
		return campaign.Campaign{}, post.WrapStore("find_campaign", err)
	}
	return c, nil
}

func (s *sqliteStore) findCampaignByID(ctx context.Context, op, id string) (campaign.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, post.ErrNotFound
	}
	if err != nil {
		return campaign.Campaign{}, post.WrapStore(op, err)
	}
	return c, nil
}

func (s *sqliteStore) FindCampaignsOverlapping(ctx context.Context, ownerID int64, from, to time.Time, statuses []campaign.Status) ([]campaign.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{ownerID, ms(to), ms(from)}
	marks := make([]string, len(statuses))
	for i, st := range statusStrings(statuses) {
		marks[i] = "?"
		args = append(args, st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE owner_id = ? AND start_at <= ? AND end_at >= ? AND status IN (`+strings.Join(marks, ",")+`)
		 ORDER BY start_at ASC, id ASC`, args...)
	if err != nil {
		return nil, post.WrapStore("find_campaigns", err)
	}
	defer rows.Close()
	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, post.WrapStore("find_campaigns", err)
		}
		out = append(out, c)
	}
	return out, post.WrapStore("find_campaigns", rows.Err())
}

func (s *sqliteStore) UpdateCampaignStatus(ctx context.Context, id string, status campaign.Status) error {
	if !status.Valid() {
		return post.Invalid("status", "unknown campaign status "+string(status))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at_ms = ? WHERE id = ?`, string(status), ms(s.now()), id)
	if err != nil {
		return post.WrapStore("update_campaign_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return post.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdateCampaignStats(ctx context.Context, id string, patch campaign.StatsPatch) (campaign.Campaign, error) {
	c, err := s.findCampaignByID(ctx, "update_campaign_stats", id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	c.Stats = c.Stats.Merge(patch)
	c.UpdatedAt = s.now()
	raw, err := encodeJSON(c.Stats)
	if err != nil {
		return campaign.Campaign{}, post.WrapStore("update_campaign_stats", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET stats = ?, updated_at_ms = ? WHERE id = ?`, raw, ms(c.UpdatedAt), id); err != nil {
		return campaign.Campaign{}, post.WrapStore("update_campaign_stats", err)
	}
	return c, nil
}

func (s *sqliteStore) ExpireCampaigns(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at_ms = ? WHERE status = ? AND end_at < ?`,
		string(campaign.StatusCompleted), ms(s.now()), string(campaign.StatusActive), ms(now))
	if err != nil {
		return 0, post.WrapStore("expire_campaigns", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) UpsertChannel(ctx context.Context, c channels.Channel) error {
	if c.ID == "" {
		return post.Invalid("id", "channel id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(id, owner_id, title, username, active) VALUES(?,?,?,?,?)
		 ON CONFLICT(id, owner_id) DO UPDATE SET title=excluded.title, username=excluded.username, active=excluded.active`,
		c.ID, c.OwnerID, c.Title, c.Username, c.Active)
	return post.WrapStore("upsert_channel", err)
}

func (s *sqliteStore) ListChannels(ctx context.Context, ownerID int64) ([]channels.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, COALESCE(title,''), COALESCE(username,''), active FROM channels WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, post.WrapStore("list_channels", err)
	}
	defer rows.Close()
	var out []channels.Channel
	for rows.Next() {
		var r channelRow
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Title, &r.Username, &r.Active); err != nil {
			return nil, post.WrapStore("list_channels", err)
		}
		out = append(out, r.toChannel())
	}
	return out, post.WrapStore("list_channels", rows.Err())
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(dedup_key, until_ms) VALUES(?,?)
		 ON CONFLICT(dedup_key) DO UPDATE SET until_ms=excluded.until_ms`,
		key, ms(until))
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until_ms < ?`, ms(s.now()))
		cancel()
	}
	return post.WrapStore("put_dedup", err)
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT until_ms FROM dedup WHERE dedup_key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, post.WrapStore("get_dedup", err)
	}
	return fromMS(v), true, nil
}
