// Package posting is the owner-facing write path: drafts are validated and
// persisted as scheduled posts, and scheduled posts can be edited or
// withdrawn until the scheduler picks them up.
package posting

import (
	"context"
	"sync"
	"time"

	"postbot/internal/channels"
	"postbot/internal/eventbus"
	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

type Config struct {
	// MinLead is how far past now a schedule time must be.
	MinLead        time.Duration
	VerifyChannels bool
}

// Store is the slice of storage.PostStore used by the service.
type Store interface {
	CreatePost(ctx context.Context, p *post.ScheduledPost) (string, error)
	FindPost(ctx context.Context, id string, ownerID int64) (post.ScheduledPost, error)
	UpdatePost(ctx context.Context, p *post.ScheduledPost) error
	SoftDelete(ctx context.Context, id string, ownerID int64) error
	FindScheduledByOwner(ctx context.Context, ownerID int64) ([]post.ScheduledPost, error)
	FindByTag(ctx context.Context, ownerID int64, tag string) ([]post.ScheduledPost, error)
}

// Draft is a post before it is accepted.
type Draft struct {
	OwnerID      int64                 `json:"-" validate:"required"`
	Channels     []string              `json:"channels" validate:"required,min=1,max=50,dive,required,max=64"`
	Content      post.Content          `json:"content"`
	ScheduleTime time.Time             `json:"schedule_time" validate:"required"`
	Tags         []string              `json:"tags,omitempty" validate:"max=20,dive,max=64"`
	Settings     post.DeliverySettings `json:"settings"`
}

// Patch edits a scheduled post. Nil fields are left unchanged.
type Patch struct {
	Channels     *[]string              `json:"channels,omitempty" validate:"omitempty,min=1,max=50,dive,required,max=64"`
	Content      *post.Content          `json:"content,omitempty"`
	ScheduleTime *time.Time             `json:"schedule_time,omitempty"`
	Tags         *[]string              `json:"tags,omitempty" validate:"omitempty,max=20,dive,max=64"`
	Settings     *post.DeliverySettings `json:"settings,omitempty"`
}

type Service struct {
	store Store
	dir   channels.Directory
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// New builds the service. dir may be nil when channel verification is never enabled.
func New(cfg Config, store Store, dir channels.Directory, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, dir: dir, bus: bus, log: log, now: time.Now, cfg: cfg}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Create validates d and stores it as a scheduled post.
func (s *Service) Create(ctx context.Context, d Draft) (post.ScheduledPost, error) {
	cfg := s.config()
	if err := validateStruct(d); err != nil {
		return post.ScheduledPost{}, err
	}
	p := post.ScheduledPost{
		OwnerID:      d.OwnerID,
		Channels:     d.Channels,
		Content:      d.Content,
		ScheduleTime: d.ScheduleTime,
		Tags:         d.Tags,
		Settings:     d.Settings,
	}.Clone()
	if err := s.check(ctx, cfg, &p); err != nil {
		return post.ScheduledPost{}, err
	}
	if _, err := s.store.CreatePost(ctx, &p); err != nil {
		return post.ScheduledPost{}, err
	}
	s.log.Info("post scheduled",
		logx.String("post_id", p.ID),
		logx.Int64("owner_id", p.OwnerID),
		logx.Time("at", p.ScheduleTime),
		logx.Int("channels", len(p.Channels)),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.PostCreated, Data: p.Clone()})
	return p, nil
}

// Edit applies patch to a post that is still scheduled.
func (s *Service) Edit(ctx context.Context, ownerID int64, id string, patch Patch) (post.ScheduledPost, error) {
	cfg := s.config()
	if err := validateStruct(patch); err != nil {
		return post.ScheduledPost{}, err
	}
	p, err := s.store.FindPost(ctx, id, ownerID)
	if err != nil {
		return post.ScheduledPost{}, err
	}
	if p.Status != post.StatusScheduled {
		return post.ScheduledPost{}, post.ErrInvalidTransition
	}
	if patch.Channels != nil {
		p.Channels = append([]string(nil), (*patch.Channels)...)
	}
	if patch.Content != nil {
		p.Content = patch.Content.Clone()
	}
	if patch.ScheduleTime != nil {
		p.ScheduleTime = *patch.ScheduleTime
	}
	if patch.Tags != nil {
		p.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.Settings != nil {
		p.Settings = patch.Settings.Clone()
	}
	if err := s.check(ctx, cfg, &p); err != nil {
		return post.ScheduledPost{}, err
	}
	if err := s.store.UpdatePost(ctx, &p); err != nil {
		return post.ScheduledPost{}, err
	}
	s.log.Info("post edited", logx.String("post_id", id), logx.Int64("owner_id", ownerID))
	return p, nil
}

// Delete soft-deletes a scheduled post; published and failed posts are history.
func (s *Service) Delete(ctx context.Context, ownerID int64, id string) error {
	if err := s.store.SoftDelete(ctx, id, ownerID); err != nil {
		return err
	}
	s.log.Info("post deleted", logx.String("post_id", id), logx.Int64("owner_id", ownerID))
	s.bus.Publish(eventbus.Event{Type: eventbus.PostDeleted, Data: id})
	return nil
}

func (s *Service) Get(ctx context.Context, ownerID int64, id string) (post.ScheduledPost, error) {
	return s.store.FindPost(ctx, id, ownerID)
}

func (s *Service) ListScheduled(ctx context.Context, ownerID int64) ([]post.ScheduledPost, error) {
	return s.store.FindScheduledByOwner(ctx, ownerID)
}

func (s *Service) ListByTag(ctx context.Context, ownerID int64, tag string) ([]post.ScheduledPost, error) {
	if tag == "" {
		return nil, post.Invalid("tag", "required")
	}
	return s.store.FindByTag(ctx, ownerID, tag)
}

// check runs the domain rules shared by create and edit.
func (s *Service) check(ctx context.Context, cfg Config, p *post.ScheduledPost) error {
	if err := post.ValidateChannels(p.Channels); err != nil {
		return err
	}
	if err := p.Content.Validate(); err != nil {
		return err
	}
	if !p.ScheduleTime.After(s.now().Add(cfg.MinLead)) {
		if cfg.MinLead > 0 {
			return post.Invalid("schedule_time", "must be at least "+cfg.MinLead.String()+" in the future")
		}
		return post.Invalid("schedule_time", "must be in the future")
	}
	if p.Settings.Repeat {
		if p.Settings.RepeatInterval == nil {
			return post.Invalid("settings.repeat_interval", "required when repeat is set")
		}
		if err := p.Settings.RepeatInterval.Validate(); err != nil {
			return err
		}
	}
	if p.Settings.Buttons != nil {
		if err := p.Settings.Buttons.Validate(); err != nil {
			return err
		}
	}
	if cfg.VerifyChannels && s.dir != nil {
		if err := s.dir.Verify(ctx, p.OwnerID, p.Channels); err != nil {
			return err
		}
	}
	return nil
}
