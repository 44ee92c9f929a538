package delivery

import (
	"strings"
	"testing"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/post"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text: %q", got)
	}

	long := strings.Repeat("line of text\n", 40)
	chunks := splitText(long, 100)
	if len(chunks) < 5 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if utf8.RuneCountInString(c) > 100 {
			t.Fatalf("chunk %d too long: %d", i, utf8.RuneCountInString(c))
		}
		if strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d keeps trailing newline", i)
		}
	}

	html := strings.Repeat("x", 98) + "<b>bold</b>"
	chunks = splitText(html, 100)
	if strings.Contains(chunks[0], "<") {
		t.Fatalf("tag split across chunks: %q", chunks[0])
	}
	if strings.Join(chunks, "") != html {
		t.Fatalf("content lost")
	}
}

func TestSendable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		in    post.Content
		check func(t *testing.T, v any)
	}{
		{
			name: "text",
			in:   post.Content{Kind: post.KindText, Text: "<b>hi</b>"},
			check: func(t *testing.T, v any) {
				if s, ok := v.(string); !ok || s != "<b>hi</b>" {
					t.Fatalf("got %#v", v)
				}
			},
		},
		{
			name: "photo url",
			in:   post.Content{Kind: post.KindPhoto, FileRef: "https://x/y.jpg", Caption: "c"},
			check: func(t *testing.T, v any) {
				p, ok := v.(*tele.Photo)
				if !ok || p.FileURL != "https://x/y.jpg" || p.Caption != "c" {
					t.Fatalf("got %#v", v)
				}
			},
		},
		{
			name: "document file id",
			in:   post.Content{Kind: post.KindDocument, FileRef: "BQACAgIAAx"},
			check: func(t *testing.T, v any) {
				d, ok := v.(*tele.Document)
				if !ok || d.FileID != "BQACAgIAAx" {
					t.Fatalf("got %#v", v)
				}
			},
		},
		{
			name: "quiz",
			in: post.Content{Kind: post.KindPoll, Poll: &post.Poll{
				Question: "q", Options: []string{"a", "b", "c"}, Type: post.PollQuiz, CorrectOption: 2,
			}},
			check: func(t *testing.T, v any) {
				p, ok := v.(*tele.Poll)
				if !ok || p.Type != tele.PollQuiz || p.CorrectOption != 2 || len(p.Options) != 3 || p.Options[1].Text != "b" {
					t.Fatalf("got %#v", v)
				}
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v, err := sendable(tc.in)
			if err != nil {
				t.Fatalf("sendable: %v", err)
			}
			tc.check(t, v)
		})
	}

	if _, err := sendable(post.Content{Kind: post.KindText}); !post.IsValidation(err) {
		t.Fatalf("empty text: want validation error, got %v", err)
	}
}

func TestSendOptions(t *testing.T) {
	t.Parallel()

	so := sendOptions(OptionsFor(post.DeliverySettings{
		Silent:         true,
		ProtectContent: true,
		Buttons: &post.Markup{Rows: [][]post.Button{
			{{Text: "Open", URL: "https://example.org"}, {Text: "Vote", Data: "v1"}},
		}},
	}))
	if !so.DisableNotification || !so.Protected || so.ParseMode != tele.ModeHTML {
		t.Fatalf("flags not mapped: %+v", so)
	}
	if so.ReplyMarkup == nil || len(so.ReplyMarkup.InlineKeyboard) != 1 || so.ReplyMarkup.InlineKeyboard[0][1].Data != "v1" {
		t.Fatalf("markup not mapped: %+v", so.ReplyMarkup)
	}
	if sendOptions(SendOptions{}).ReplyMarkup != nil {
		t.Fatalf("empty markup should be nil")
	}
}
