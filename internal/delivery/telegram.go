package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

type Config struct {
	Token string
	// RatePerSec is the global send budget across all chats. 0 means default.
	RatePerSec float64
	// Offline skips the getMe handshake (tests, dry runs).
	Offline bool
}

type Telegram struct {
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
	now     func() time.Time
}

// chatRecipient addresses a chat by numeric id or @username.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Telegram{
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		now:     time.Now,
	}, nil
}

// SetRate changes the global send budget at runtime.
func (t *Telegram) SetRate(perSec float64) {
	if perSec <= 0 {
		return
	}
	t.limiter.SetLimit(rate.Limit(perSec))
	t.limiter.SetBurst(int(perSec))
}

func (t *Telegram) Send(ctx context.Context, channelID string, c post.Content, opt SendOptions) (Receipt, error) {
	what, err := sendable(c)
	if err != nil {
		return Receipt{}, &post.DeliveryError{ChannelID: channelID, Err: err}
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return Receipt{}, &post.DeliveryError{ChannelID: channelID, Err: err}
	}
	msg, err := t.send(ctx, chatRecipient(channelID), what, sendOptions(opt))
	if err != nil {
		t.log.Debug("send failed", logx.String("channel", channelID), logx.String("kind", string(c.Kind)), logx.Err(err))
		return Receipt{}, &post.DeliveryError{ChannelID: channelID, Err: err}
	}
	r := Receipt{At: t.now()}
	if msg != nil {
		r.MessageID = msg.ID
	}
	return r, nil
}

// send runs the blocking telebot call so that ctx cancellation releases the
// caller even though the HTTP request itself keeps running to completion.
func (t *Telegram) send(ctx context.Context, to tele.Recipient, what any, opt *tele.SendOptions) (*tele.Message, error) {
	type result struct {
		msg *tele.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := t.bot.Send(to, what, opt)
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendText delivers operational text, split into Telegram-sized chunks.
func (t *Telegram) SendText(ctx context.Context, chat string, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := t.send(ctx, chatRecipient(chat), chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		}); err != nil {
			return &post.DeliveryError{ChannelID: chat, Err: err}
		}
	}
	return nil
}

func sendOptions(opt SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:           tele.ModeHTML,
		DisableNotification: opt.Silent,
		Protected:           opt.Protect,
	}
	if rm := inlineMarkup(opt.Buttons); rm != nil {
		so.ReplyMarkup = rm
	}
	return so
}

func inlineMarkup(m *post.Markup) *tele.ReplyMarkup {
	if m == nil || len(m.Rows) == 0 {
		return nil
	}
	rows := make([][]tele.InlineButton, 0, len(m.Rows))
	for _, r := range m.Rows {
		row := make([]tele.InlineButton, 0, len(r))
		for _, b := range r {
			row = append(row, tele.InlineButton{Text: b.Text, URL: b.URL, Data: b.Data})
		}
		rows = append(rows, row)
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}

// fileFor treats http(s) refs as URLs and anything else as a Telegram file id.
func fileFor(ref string) tele.File {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tele.FromURL(ref)
	}
	return tele.File{FileID: ref}
}

func sendable(c post.Content) (any, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case post.KindText:
		return c.Text, nil
	case post.KindPhoto:
		return &tele.Photo{File: fileFor(c.FileRef), Caption: c.Caption}, nil
	case post.KindVideo:
		return &tele.Video{File: fileFor(c.FileRef), Caption: c.Caption}, nil
	case post.KindDocument:
		return &tele.Document{File: fileFor(c.FileRef), Caption: c.Caption}, nil
	case post.KindPoll:
		p := c.Poll
		poll := &tele.Poll{
			Type:            tele.PollRegular,
			Question:        p.Question,
			Anonymous:       p.Anonymous,
			MultipleAnswers: p.MultipleAnswers,
		}
		if p.Type == post.PollQuiz {
			poll.Type = tele.PollQuiz
			poll.CorrectOption = p.CorrectOption
		}
		for _, o := range p.Options {
			poll.Options = append(poll.Options, tele.PollOption{Text: o})
		}
		return poll, nil
	}
	return nil, post.Invalid("content.kind", "unsupported kind "+string(c.Kind))
}
