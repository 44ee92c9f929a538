// Package delivery sends post content to channels.
//
// Gateway is the only outbound path used by the dispatcher. The Telegram
// implementation also satisfies logx.TextSender so the log sink and the
// owner notifier share its rate limit.
package delivery

import (
	"context"
	"time"

	"postbot/internal/post"
)

// SendOptions carries the per-post delivery flags.
type SendOptions struct {
	Silent  bool
	Protect bool
	Buttons *post.Markup
}

// Receipt identifies a delivered message.
type Receipt struct {
	MessageID int
	At        time.Time
}

// Gateway delivers one piece of content to one channel. Failures are
// *post.DeliveryError.
type Gateway interface {
	Send(ctx context.Context, channelID string, c post.Content, opt SendOptions) (Receipt, error)
}

// TextSender sends plain operational text to a chat.
type TextSender interface {
	SendText(ctx context.Context, chat string, text string) error
}

// OptionsFor derives send options from post settings.
func OptionsFor(s post.DeliverySettings) SendOptions {
	return SendOptions{Silent: s.Silent, Protect: s.ProtectContent, Buttons: s.Buttons}
}
