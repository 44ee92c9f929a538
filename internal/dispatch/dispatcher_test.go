package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/eventbus"
	"postbot/internal/post"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type fakeGateway struct {
	mu    sync.Mutex
	fail  map[string]error
	block map[string]bool
	sent  []string
	opts  []delivery.SendOptions
	next  int
}

func (g *fakeGateway) Send(ctx context.Context, channelID string, _ post.Content, opt delivery.SendOptions) (delivery.Receipt, error) {
	g.mu.Lock()
	g.sent = append(g.sent, channelID)
	g.opts = append(g.opts, opt)
	g.next++
	id := g.next
	err := g.fail[channelID]
	block := g.block[channelID]
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return delivery.Receipt{}, &post.DeliveryError{ChannelID: channelID, Err: ctx.Err()}
	}
	if err != nil {
		return delivery.Receipt{}, &post.DeliveryError{ChannelID: channelID, Err: err}
	}
	return delivery.Receipt{MessageID: id}, nil
}

type brokenJournal struct{}

func (brokenJournal) RecordDelivery(context.Context, post.DeliveryRecord) error {
	return errors.New("disk full")
}

func (brokenJournal) DeliveredChannels(context.Context, string) ([]string, error) { return nil, nil }

func duePost(channels ...string) post.ScheduledPost {
	return post.ScheduledPost{
		ID:       "p1",
		OwnerID:  7,
		Channels: channels,
		Content:  post.Content{Kind: post.KindText, Text: "hi"},
		Status:   post.StatusScheduled,
		Settings: post.DeliverySettings{Silent: true},
	}
}

func TestDispatchPartialSuccess(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{fail: map[string]error{"B": errors.New("forbidden")}}
	st := storage.NewMemory()
	d := New(Config{}, gw, st, nil, logx.Nop())

	out, err := d.Dispatch(context.Background(), duePost("A", "B", "C"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Status != post.StatusPublished || out.Err != nil || !out.Partial() {
		t.Fatalf("outcome=%+v", out)
	}
	if len(out.Report) != 3 || !out.Report[0].OK || out.Report[1].OK || !out.Report[2].OK {
		t.Fatalf("report=%+v", out.Report)
	}
	if out.Report[1].Error != "forbidden" {
		t.Fatalf("error text=%q", out.Report[1].Error)
	}
	if got := []string{gw.sent[0], gw.sent[1], gw.sent[2]}; got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Fatalf("send order=%v", gw.sent)
	}
	if !gw.opts[0].Silent {
		t.Fatalf("silent flag not forwarded")
	}
	delivered, _ := st.DeliveredChannels(context.Background(), "p1")
	if len(delivered) != 2 {
		t.Fatalf("journal delivered=%v", delivered)
	}
}

func TestDispatchTotalFailure(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{fail: map[string]error{"A": errors.New("x"), "B": errors.New("y")}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	d := New(Config{}, gw, storage.NewMemory(), bus, logx.Nop())

	out, err := d.Dispatch(context.Background(), duePost("A", "B"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Status != post.StatusFailed || !errors.Is(out.Err, post.ErrAllChannelsFailed) {
		t.Fatalf("outcome=%+v", out)
	}
	if out.LastError() == "" {
		t.Fatalf("expected last error text")
	}

	select {
	case ev := <-events:
		o, ok := ev.Data.(Outcome)
		if ev.Type != eventbus.PostDispatched || !ok || o.Status != post.StatusFailed {
			t.Fatalf("event=%+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no dispatched event")
	}
}

func TestDispatchSkipsDeliveredChannels(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	ctx := context.Background()
	if err := st.RecordDelivery(ctx, post.DeliveryRecord{PostID: "p1", ChannelID: "A", OK: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	gw := &fakeGateway{}
	d := New(Config{SkipDelivered: true}, gw, st, nil, logx.Nop())

	out, err := d.Dispatch(ctx, duePost("A", "B"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(gw.sent) != 1 || gw.sent[0] != "B" {
		t.Fatalf("sent=%v", gw.sent)
	}
	if !out.Report[0].OK || !out.Report[0].Skipped || out.Status != post.StatusPublished {
		t.Fatalf("report=%+v", out.Report)
	}
}

func TestDispatchFatalErrors(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	d := New(Config{}, gw, storage.NewMemory(), nil, logx.Nop())

	bad := duePost("A")
	bad.Content = post.Content{Kind: post.KindPoll, Poll: &post.Poll{Question: "q", Options: []string{"only"}}}
	if _, err := d.Dispatch(context.Background(), bad); !post.IsValidation(err) {
		t.Fatalf("malformed content: %v", err)
	}
	if len(gw.sent) != 0 {
		t.Fatalf("nothing should be sent for malformed content")
	}

	d = New(Config{}, gw, brokenJournal{}, nil, logx.Nop())
	if _, err := d.Dispatch(context.Background(), duePost("A")); !post.IsStore(err) {
		t.Fatalf("journal failure: %v", err)
	}
}

func TestDispatchSendTimeout(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{block: map[string]bool{"slow": true}}
	d := New(Config{SendTimeout: 20 * time.Millisecond}, gw, nil, nil, logx.Nop())

	start := time.Now()
	out, err := d.Dispatch(context.Background(), duePost("slow", "fast"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not applied")
	}
	if out.Report[0].OK || !out.Report[1].OK || out.Status != post.StatusPublished {
		t.Fatalf("report=%+v", out.Report)
	}
}
