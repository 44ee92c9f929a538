package channels

import (
	"context"
	"testing"

	"postbot/internal/post"
)

type staticLister []Channel

func (s staticLister) ListChannels(_ context.Context, ownerID int64) ([]Channel, error) {
	var out []Channel
	for _, c := range s {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestVerify(t *testing.T) {
	t.Parallel()
	d := NewDirectory(staticLister{
		{ID: "-1001", OwnerID: 7, Title: "News", Username: "news", Active: true},
		{ID: "-1002", OwnerID: 7, Title: "Old", Active: false},
		{ID: "-1003", OwnerID: 8, Title: "Other", Active: true},
	})
	ctx := context.Background()

	cases := []struct {
		name string
		ids  []string
		ok   bool
	}{
		{"by id", []string{"-1001"}, true},
		{"by username", []string{"@news"}, true},
		{"inactive", []string{"-1001", "-1002"}, false},
		{"other owner", []string{"-1003"}, false},
		{"unknown", []string{"@nope"}, false},
	}
	for _, tc := range cases {
		err := d.Verify(ctx, 7, tc.ids)
		if tc.ok && err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !tc.ok && !post.IsValidation(err) {
			t.Fatalf("%s: want ValidationError, got %v", tc.name, err)
		}
	}
}

func TestListSortedByTitle(t *testing.T) {
	t.Parallel()
	d := NewDirectory(staticLister{
		{ID: "b", OwnerID: 1, Title: "Zeta"},
		{ID: "a", OwnerID: 1, Title: "Alpha"},
	})
	got, err := d.ListChannels(context.Background(), 1)
	if err != nil || len(got) != 2 || got[0].ID != "a" {
		t.Fatalf("got %+v err=%v", got, err)
	}
}
