// Package notify delivers proposal notifications to the transport layer,
// suppressing duplicates by dedupe key.
package notify

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/clock"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, n models.Notification) error
}

type PublisherFunc func(ctx context.Context, n models.Notification) error

func (f PublisherFunc) Publish(ctx context.Context, n models.Notification) error {
	return f(ctx, n)
}

// Deduper reports whether a key is being seen for the first time. Release
// gives a claimed key back after its notification failed to go out.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Key builds the dedupe key of a transition announcement.
func Key(proposalID uuid.UUID, kind models.NotificationKind, discriminator string) string {
	if discriminator == "" {
		return fmt.Sprintf("%s:%s", proposalID, kind)
	}
	return fmt.Sprintf("%s:%s:%s", proposalID, kind, discriminator)
}

type Config struct {
	Publisher Publisher
	Deduper   Deduper
	// QueueSize > 0 enables asynchronous delivery through Run.
	QueueSize int
	DedupeTTL time.Duration
	// TTL sets ExpiresAt on notifications that don't carry one.
	TTL    time.Duration
	Clock  clock.Clock
	Logger *log.Logger
}

type Emitter struct {
	cfg   Config
	queue chan models.Notification

	mu        sync.Mutex
	published int
	dropped   int
}

func NewEmitter(cfg Config) *Emitter {
	if cfg.Publisher == nil {
		cfg.Publisher = NewLogPublisher(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Deduper == nil {
		cfg.Deduper = NewMemoryDeduper(cfg.Clock)
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[notify] ", log.LstdFlags)
	}
	e := &Emitter{cfg: cfg}
	if cfg.QueueSize > 0 {
		e.queue = make(chan models.Notification, cfg.QueueSize)
	}
	return e
}

// Emit publishes n unless its dedupe key was already claimed. It reports
// whether the notification was accepted. A deduper failure lets the
// notification through: a duplicate is preferred over a lost transition.
func (e *Emitter) Emit(ctx context.Context, n models.Notification) bool {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := e.cfg.Clock.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = n.CreatedAt.Add(e.cfg.TTL)
	}
	if n.DedupeKey != "" {
		fresh, err := e.cfg.Deduper.Claim(ctx, n.DedupeKey, e.cfg.DedupeTTL)
		if err != nil {
			e.cfg.Logger.Printf("dedupe %s: %v", n.DedupeKey, err)
		} else if !fresh {
			return false
		}
	}

	if e.queue == nil {
		e.publish(ctx, n)
		return true
	}
	select {
	case e.queue <- n:
		return true
	case <-ctx.Done():
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.cfg.Logger.Printf("drop %s for proposal %s: %v", n.Kind, n.ProposalID, ctx.Err())
		e.release(context.WithoutCancel(ctx), n)
		return false
	}
}

// Run drains the queue until ctx is done, then flushes whatever is buffered.
func (e *Emitter) Run(ctx context.Context) {
	if e.queue == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case n := <-e.queue:
			e.publish(ctx, n)
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case n := <-e.queue:
					e.publish(flush, n)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) publish(ctx context.Context, n models.Notification) {
	if err := e.cfg.Publisher.Publish(ctx, n); err != nil {
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.cfg.Logger.Printf("publish %s for proposal %s failed: %v", n.Kind, n.ProposalID, err)
		e.release(context.WithoutCancel(ctx), n)
		return
	}
	e.mu.Lock()
	e.published++
	e.mu.Unlock()
}

// release frees the dedupe key of an undelivered notification so a later
// emit of the same transition can go out.
func (e *Emitter) release(ctx context.Context, n models.Notification) {
	if n.DedupeKey == "" {
		return
	}
	if err := e.cfg.Deduper.Release(ctx, n.DedupeKey); err != nil {
		e.cfg.Logger.Printf("release %s: %v", n.DedupeKey, err)
	}
}

// Stats returns how many notifications were delivered and how many were lost.
func (e *Emitter) Stats() (published, dropped int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published, e.dropped
}
