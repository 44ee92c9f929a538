package notifier

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/post"
	"postbot/internal/scheduler"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			for _, n := range s.alertsFor(ev) {
				if err := s.Notify(ctx, n); err != nil {
					s.log.Warn("alert dropped", logx.String("event", ev.Type), logx.String("chat", n.Chat), logx.Err(err))
				}
			}
		}
	}
}

// alertsFor maps one bus event to the messages it should produce.
func (s *Service) alertsFor(ev eventbus.Event) []Notification {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var (
		text  string
		key   string
		owner int64
	)
	switch data := ev.Data.(type) {
	case dispatch.Outcome:
		if ev.Type != eventbus.PostDispatched {
			return nil
		}
		if data.Status != post.StatusFailed && !(cfg.NotifyPartial && data.Partial()) {
			return nil
		}
		text = formatOutcome(data, s.now())
		key = "dispatch:" + data.PostID + ":" + string(data.Status)
		owner = data.OwnerID
	case scheduler.RecurrenceFailure:
		if ev.Type != eventbus.PostRecurrenceFailed {
			return nil
		}
		text = formatRecurrenceFailure(data, s.now())
		key = "recurrence:" + data.Post.ID
		owner = data.Post.OwnerID
	default:
		return nil
	}

	var out []Notification
	if cfg.NotifyOwner && owner != 0 {
		out = append(out, Notification{Chat: strconv.FormatInt(owner, 10), Text: text, Key: key})
	}
	if cfg.OpsChat != "" {
		out = append(out, Notification{Chat: cfg.OpsChat, Text: text, Key: key})
	}
	return out
}

// maxReasonRunes keeps one alert inside a single Telegram message.
const maxReasonRunes = 300

func formatOutcome(o dispatch.Outcome, now time.Time) string {
	title := o.Title
	if title == "" {
		title = o.PostID
	}
	channels := english.Plural(len(o.Report), "channel", "channels")
	var head tgui.H
	switch {
	case o.Status == post.StatusFailed && len(o.Report) == 0:
		reason := "unknown error"
		if o.Err != nil {
			reason = tgui.TruncRunes(o.Err.Error(), maxReasonRunes)
		}
		head = tgui.H(fmt.Sprintf("❌ Post %s was not published: %s", tgui.B(title), tgui.Esc(reason)))
	case o.Status == post.StatusFailed:
		head = tgui.H(fmt.Sprintf("❌ Post %s was not published: all %s failed.", tgui.B(title), channels))
	default:
		head = tgui.H(fmt.Sprintf("⚠️ Post %s reached %d of %s.", tgui.B(title), o.Report.Succeeded(), channels))
	}
	lines := []tgui.H{head}
	if !o.ScheduleTime.IsZero() {
		lines = append(lines, tgui.H("Scheduled "+humanize.RelTime(o.ScheduleTime, now, "ago", "from now")+"."))
	}
	for _, r := range o.Report {
		if !r.OK {
			lines = append(lines, tgui.Esc("• "+r.ChannelID+": "+tgui.TruncRunes(r.Error, maxReasonRunes)))
		}
	}
	lines = append(lines, tgui.Code(o.PostID))
	return tgui.Lines(lines...).String()
}

func formatRecurrenceFailure(f scheduler.RecurrenceFailure, now time.Time) string {
	title := f.Post.Content.Summary()
	if title == "" {
		title = f.Post.ID
	}
	reason := "unknown error"
	if f.Err != nil {
		reason = tgui.TruncRunes(f.Err.Error(), maxReasonRunes)
	}
	return tgui.Lines(
		tgui.H(fmt.Sprintf("🔁 Next run of %s could not be planned: %s", tgui.B(title), tgui.Esc(reason))),
		tgui.H("Last run "+humanize.RelTime(f.Post.ScheduleTime, now, "ago", "from now")+"."),
		tgui.Code(f.Post.ID),
	).String()
}
