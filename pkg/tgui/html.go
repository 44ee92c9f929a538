// Package tgui builds message text for Telegram's HTML parse mode.
package tgui

import (
	"html"
	"strings"
	"unicode/utf8"
)

// H is text that is already safe for ParseMode HTML.
type H string

func (h H) String() string { return string(h) }

func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag, s string) H { return H("<" + tag + ">" + html.EscapeString(s) + "</" + tag + ">") }

func B(s string) H    { return wrap("b", s) }
func I(s string) H    { return wrap("i", s) }
func Code(s string) H { return wrap("code", s) }

// Lines joins non-empty parts with newlines.
func Lines(parts ...H) H {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			out = append(out, string(p))
		}
	}
	return H(strings.Join(out, "\n"))
}

// TruncRunes cuts s to n runes, ending with "…" when something was dropped.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
