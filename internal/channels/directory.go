// Package channels is the owner's channel directory. Channel targets are
// resolved against it before a post is accepted.
package channels

import (
	"context"
	"sort"

	"postbot/internal/post"
)

type Channel struct {
	ID       string `json:"id"`
	OwnerID  int64  `json:"owner_id"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
	Active   bool   `json:"active"`
}

// Lister is the read side of a channel store.
type Lister interface {
	ListChannels(ctx context.Context, ownerID int64) ([]Channel, error)
}

type Directory interface {
	Lister
	// Verify fails with a ValidationError when a target is unknown or inactive.
	Verify(ctx context.Context, ownerID int64, ids []string) error
}

func NewDirectory(l Lister) *StoreDirectory {
	return &StoreDirectory{l: l}
}

type StoreDirectory struct {
	l Lister
}

func (d *StoreDirectory) ListChannels(ctx context.Context, ownerID int64) ([]Channel, error) {
	out, err := d.l.ListChannels(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (d *StoreDirectory) Verify(ctx context.Context, ownerID int64, ids []string) error {
	list, err := d.l.ListChannels(ctx, ownerID)
	if err != nil {
		return err
	}
	known := make(map[string]Channel, len(list)*2)
	for _, c := range list {
		known[c.ID] = c
		if c.Username != "" {
			known["@"+c.Username] = c
		}
	}
	for _, id := range ids {
		c, ok := known[id]
		if !ok {
			return post.Invalid("channels", "unknown channel "+id)
		}
		if !c.Active {
			return post.Invalid("channels", "channel "+id+" is inactive")
		}
	}
	return nil
}
