// Package dispatch fans one due post out to its channels.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/eventbus"
	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

const DefaultSendTimeout = 30 * time.Second

type Config struct {
	SendTimeout time.Duration
	// SkipDelivered reports channels already journaled as delivered for the
	// post as successes without sending again.
	SkipDelivered bool
}

// Journal records send attempts. storage.PostStore satisfies it.
type Journal interface {
	RecordDelivery(ctx context.Context, r post.DeliveryRecord) error
	DeliveredChannels(ctx context.Context, postID string) ([]string, error)
}

// Outcome is the aggregated result of one dispatch.
type Outcome struct {
	PostID       string
	OwnerID      int64
	Title        string
	ScheduleTime time.Time
	Status       post.Status
	Report       post.DeliveryReport
	// Err is post.ErrAllChannelsFailed (wrapped) when Status is failed.
	Err error
}

// Partial reports a published post with at least one failed channel.
func (o Outcome) Partial() bool {
	return o.Status == post.StatusPublished && o.Report.Failed() > 0
}

// LastError is the text stored on the post record.
func (o Outcome) LastError() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

type Dispatcher struct {
	gw      delivery.Gateway
	journal Journal
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, gw delivery.Gateway, journal Journal, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{gw: gw, journal: journal, bus: bus, log: log, now: time.Now}
	d.Apply(cfg)
	return d
}

// Apply swaps the runtime knobs. In-flight dispatches keep the old values.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Dispatch sends p to every channel in order. Channel failures are collected
// in the report and never abort the batch.
//
// A returned error is fatal for this attempt: *post.ValidationError for
// malformed content, *post.StoreError when the journal is unavailable, or
// the context error. The post must then not be moved to a terminal status
// by the caller except for validation errors.
func (d *Dispatcher) Dispatch(ctx context.Context, p post.ScheduledPost) (Outcome, error) {
	if err := p.Content.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := post.ValidateChannels(p.Channels); err != nil {
		return Outcome{}, err
	}
	cfg := d.config()
	log := d.log.With(logx.String("post_id", p.ID), logx.Int64("owner_id", p.OwnerID))

	done := map[string]bool{}
	if cfg.SkipDelivered && d.journal != nil {
		ids, err := d.journal.DeliveredChannels(ctx, p.ID)
		if err != nil {
			return Outcome{}, post.WrapStore("delivered_channels", err)
		}
		for _, id := range ids {
			done[id] = true
		}
	}

	opt := delivery.OptionsFor(p.Settings)
	report := make(post.DeliveryReport, 0, len(p.Channels))
	for _, ch := range p.Channels {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if done[ch] {
			report = append(report, post.ChannelResult{ChannelID: ch, OK: true, Skipped: true, At: d.now()})
			continue
		}

		res := d.sendOne(ctx, cfg.SendTimeout, ch, p.Content, opt)
		if res.OK {
			log.Debug("channel delivered", logx.String("channel", ch), logx.Int("message_id", res.MessageID))
		} else {
			log.Warn("channel delivery failed", logx.String("channel", ch), logx.String("error", res.Error))
		}
		if d.journal != nil {
			rec := post.DeliveryRecord{
				PostID:    p.ID,
				OwnerID:   p.OwnerID,
				ChannelID: ch,
				OK:        res.OK,
				MessageID: res.MessageID,
				Error:     res.Error,
				At:        res.At,
			}
			if err := d.journal.RecordDelivery(ctx, rec); err != nil {
				return Outcome{}, post.WrapStore("record_delivery", err)
			}
		}
		report = append(report, res)
	}

	out := Outcome{
		PostID:       p.ID,
		OwnerID:      p.OwnerID,
		Title:        p.Content.Summary(),
		ScheduleTime: p.ScheduleTime,
		Status:       post.StatusPublished,
		Report:       report,
	}
	if report.Succeeded() == 0 {
		out.Status = post.StatusFailed
		out.Err = fmt.Errorf("%w: %s", post.ErrAllChannelsFailed, summarize(report))
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.PostDispatched, Time: d.now(), Data: out})
	return out, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, timeout time.Duration, ch string, c post.Content, opt delivery.SendOptions) post.ChannelResult {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rc, err := d.gw.Send(sctx, ch, c, opt)
	res := post.ChannelResult{ChannelID: ch, At: rc.At}
	if res.At.IsZero() {
		res.At = d.now()
	}
	if err != nil {
		var de *post.DeliveryError
		if errors.As(err, &de) && de.Err != nil {
			err = de.Err
		}
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.MessageID = rc.MessageID
	return res
}

func summarize(r post.DeliveryReport) string {
	parts := make([]string, 0, len(r))
	for _, c := range r {
		if !c.OK {
			parts = append(parts, c.ChannelID+": "+c.Error)
		}
	}
	return strings.Join(parts, "; ")
}
