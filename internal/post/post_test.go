package post

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestContentValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		c       Content
		wantErr string
	}{
		{name: "text", c: Content{Kind: KindText, Text: "hello"}},
		{name: "empty text", c: Content{Kind: KindText, Text: "  "}, wantErr: "content.text"},
		{name: "photo", c: Content{Kind: KindPhoto, FileRef: "https://example.com/a.jpg"}},
		{name: "video no ref", c: Content{Kind: KindVideo, Caption: "x"}, wantErr: "content.file_ref"},
		{name: "no kind", c: Content{}, wantErr: "content.kind"},
		{name: "unknown kind", c: Content{Kind: "sticker"}, wantErr: "content.kind"},
		{name: "poll nil", c: Content{Kind: KindPoll}, wantErr: "content.poll"},
		{name: "poll one option", c: Content{Kind: KindPoll, Poll: &Poll{Question: "q", Options: []string{"a"}}}, wantErr: "content.poll.options"},
		{name: "poll ok", c: Content{Kind: KindPoll, Poll: &Poll{Question: "q", Options: []string{"a", "b"}}}},
		{name: "text at limit", c: Content{Kind: KindText, Text: strings.Repeat("я", MaxTextRunes)}},
		{name: "text too long", c: Content{Kind: KindText, Text: strings.Repeat("я", MaxTextRunes+1)}, wantErr: "content.text"},
		{name: "caption too long", c: Content{Kind: KindPhoto, FileRef: "f", Caption: strings.Repeat("a", MaxCaptionRunes+1)}, wantErr: "content.caption"},
		{name: "question too long", c: Content{Kind: KindPoll, Poll: &Poll{Question: strings.Repeat("q", MaxPollQuestionRunes+1), Options: []string{"a", "b"}}}, wantErr: "content.poll.question"},
		{name: "option too long", c: Content{Kind: KindPoll, Poll: &Poll{Question: "q", Options: []string{"a", strings.Repeat("b", MaxPollOptionRunes+1)}}}, wantErr: "content.poll.options"},
		{name: "quiz bad answer", c: Content{Kind: KindPoll, Poll: &Poll{Question: "q", Options: []string{"a", "b"}, Type: PollQuiz, CorrectOption: 2}}, wantErr: "content.poll.correct_option"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.c.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if ve.Field != tc.wantErr {
				t.Fatalf("field=%q want %q", ve.Field, tc.wantErr)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	all := []Status{StatusScheduled, StatusPublished, StatusFailed, StatusDeleted}
	for _, from := range all {
		for _, to := range all {
			got := CanTransition(from, to)
			want := from == StatusScheduled && to != StatusScheduled
			if got != want {
				t.Fatalf("CanTransition(%s,%s)=%v want %v", from, to, got, want)
			}
		}
	}
}

func TestValidateChannels(t *testing.T) {
	t.Parallel()
	if err := ValidateChannels(nil); !IsValidation(err) {
		t.Fatalf("empty: %v", err)
	}
	if err := ValidateChannels([]string{"@a", "@a"}); !IsValidation(err) {
		t.Fatalf("dup: %v", err)
	}
	if err := ValidateChannels([]string{"@a", " @b"}); !IsValidation(err) {
		t.Fatalf("untrimmed: %v", err)
	}
	if err := ValidateChannels([]string{"@a", "-100123"}); err != nil {
		t.Fatalf("ok: %v", err)
	}
}

func TestNormalizeTags(t *testing.T) {
	t.Parallel()
	got := NormalizeTags([]string{"b", " a ", "", "b"})
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("got %v", got)
	}
	if NormalizeTags(nil) != nil {
		t.Fatalf("nil in should be nil out")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	t.Parallel()
	p := ScheduledPost{
		Channels: []string{"@a"},
		Content:  Content{Kind: KindPoll, Poll: &Poll{Question: "q", Options: []string{"x", "y"}}},
		Settings: DeliverySettings{RepeatInterval: &Interval{Unit: UnitDays, Value: 1}},
	}
	cp := p.Clone()
	cp.Channels[0] = "@b"
	cp.Content.Poll.Options[0] = "z"
	cp.Settings.RepeatInterval.Value = 7
	if p.Channels[0] != "@a" || p.Content.Poll.Options[0] != "x" || p.Settings.RepeatInterval.Value != 1 {
		t.Fatalf("clone aliased original: %+v", p)
	}
}

func TestWrapStore(t *testing.T) {
	t.Parallel()
	if WrapStore("x", nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	if err := WrapStore("x", ErrNotFound); !errors.Is(err, ErrNotFound) || IsStore(err) {
		t.Fatalf("not found should pass through: %v", err)
	}
	err := WrapStore("find_due", io.ErrUnexpectedEOF)
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "find_due" || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("got %v", err)
	}
}

func TestDeliveryReportCounts(t *testing.T) {
	t.Parallel()
	r := DeliveryReport{{ChannelID: "@a", OK: true}, {ChannelID: "@b"}}
	if r.Succeeded() != 1 || r.Failed() != 1 {
		t.Fatalf("succeeded=%d failed=%d", r.Succeeded(), r.Failed())
	}
}
