package tgui

import "testing"

func TestEscapeAndWrap(t *testing.T) {
	t.Parallel()
	got := Lines(B("a<b>"), "", Code(`x&"y"`), I("ok"))
	want := H("<b>a&lt;b&gt;</b>\n<code>x&amp;&#34;y&#34;</code>\n<i>ok</i>")
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hel…"},
		{"привет", 3, "пр…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
