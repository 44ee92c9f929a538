package post

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// ContentKind selects the variant of Content.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindPhoto    ContentKind = "photo"
	KindVideo    ContentKind = "video"
	KindDocument ContentKind = "document"
	KindPoll     ContentKind = "poll"
)

const (
	MinPollOptions = 2
	MaxPollOptions = 10
)

// Telegram Bot API limits, counted in characters.
const (
	MaxTextRunes         = 4096
	MaxCaptionRunes      = 1024
	MaxPollQuestionRunes = 300
	MaxPollOptionRunes   = 100
)

func tooLong(field, s string, limit int) error {
	if utf8.RuneCountInString(s) > limit {
		return Invalid(field, "longer than "+strconv.Itoa(limit)+" characters")
	}
	return nil
}

type PollType string

const (
	PollRegular PollType = "regular"
	PollQuiz    PollType = "quiz"
)

// Content is a tagged union. Only the fields relevant to Kind are meaningful:
// text uses Text; photo/video/document use FileRef and Caption; poll uses Poll.
type Content struct {
	Kind    ContentKind `json:"kind"`
	Text    string      `json:"text,omitempty"`
	FileRef string      `json:"file_ref,omitempty"`
	Caption string      `json:"caption,omitempty"`
	Poll    *Poll       `json:"poll,omitempty"`
}

type Poll struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	Anonymous       bool     `json:"anonymous"`
	Type            PollType `json:"type,omitempty"`
	MultipleAnswers bool     `json:"multiple_answers,omitempty"`
	CorrectOption   int      `json:"correct_option,omitempty"`
}

func (c Content) Clone() Content {
	cp := c
	if c.Poll != nil {
		p := *c.Poll
		p.Options = append([]string(nil), c.Poll.Options...)
		cp.Poll = &p
	}
	return cp
}

// IsMedia reports whether the variant carries a file reference.
func (c Content) IsMedia() bool {
	switch c.Kind {
	case KindPhoto, KindVideo, KindDocument:
		return true
	}
	return false
}

// Validate rejects malformed variants.
func (c Content) Validate() error {
	switch c.Kind {
	case KindText:
		if strings.TrimSpace(c.Text) == "" {
			return Invalid("content.text", "text is required")
		}
		return tooLong("content.text", c.Text, MaxTextRunes)
	case KindPhoto, KindVideo, KindDocument:
		if strings.TrimSpace(c.FileRef) == "" {
			return Invalid("content.file_ref", "file reference is required for "+string(c.Kind))
		}
		return tooLong("content.caption", c.Caption, MaxCaptionRunes)
	case KindPoll:
		return c.Poll.validate()
	case "":
		return Invalid("content.kind", "content kind is required")
	default:
		return Invalid("content.kind", "unknown content kind "+string(c.Kind))
	}
}

func (p *Poll) validate() error {
	if p == nil {
		return Invalid("content.poll", "poll payload is required")
	}
	if strings.TrimSpace(p.Question) == "" {
		return Invalid("content.poll.question", "question is required")
	}
	if err := tooLong("content.poll.question", p.Question, MaxPollQuestionRunes); err != nil {
		return err
	}
	if len(p.Options) < MinPollOptions || len(p.Options) > MaxPollOptions {
		return Invalid("content.poll.options", "poll needs between 2 and 10 options")
	}
	for _, o := range p.Options {
		if strings.TrimSpace(o) == "" {
			return Invalid("content.poll.options", "option text is required")
		}
		if err := tooLong("content.poll.options", o, MaxPollOptionRunes); err != nil {
			return err
		}
	}
	switch p.Type {
	case "", PollRegular:
	case PollQuiz:
		if p.CorrectOption < 0 || p.CorrectOption >= len(p.Options) {
			return Invalid("content.poll.correct_option", "out of range")
		}
		if p.MultipleAnswers {
			return Invalid("content.poll.multiple_answers", "quiz polls allow a single answer")
		}
	default:
		return Invalid("content.poll.type", "must be regular or quiz")
	}
	return nil
}

// Summary is the first line of the visible text, cut to 64 runes.
func (c Content) Summary() string {
	s := c.Text
	if s == "" {
		s = c.Caption
	}
	if s == "" && c.Poll != nil {
		s = c.Poll.Question
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > 64 {
		s = string(r[:64]) + "…"
	}
	return s
}
