package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/clock"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

type capture struct {
	mu  sync.Mutex
	got []models.Notification
	err error
}

func (c *capture) Publish(ctx context.Context, n models.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, n)
	return nil
}

func (c *capture) all() []models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Notification(nil), c.got...)
}

var quiet = log.New(io.Discard, "", 0)

func TestEmitSuppressesDuplicateKeys(t *testing.T) {
	pub := &capture{}
	e := NewEmitter(Config{Publisher: pub, Logger: quiet})
	ctx := context.Background()
	id := uuid.New()

	n := models.Notification{Kind: models.NotifyStatusChanged, SessionID: "s1", ProposalID: id, DedupeKey: Key(id, models.NotifyStatusChanged, "voting")}
	assert.True(t, e.Emit(ctx, n))
	assert.False(t, e.Emit(ctx, n))

	n.DedupeKey = Key(id, models.NotifyStatusChanged, "approved")
	assert.True(t, e.Emit(ctx, n))

	got := pub.all()
	require.Len(t, got, 2)
	assert.NotEqual(t, uuid.Nil, got[0].ID)
	assert.False(t, got[0].CreatedAt.IsZero())
	assert.True(t, got[0].ExpiresAt.After(got[0].CreatedAt))
	published, dropped := e.Stats()
	assert.Equal(t, 2, published)
	assert.Equal(t, 0, dropped)
}

func TestEmitWithoutKeyAlwaysPublishes(t *testing.T) {
	pub := &capture{}
	e := NewEmitter(Config{Publisher: pub, Logger: quiet})
	n := models.Notification{Kind: models.NotifyReminder, SessionID: "s1"}
	e.Emit(context.Background(), n)
	e.Emit(context.Background(), n)
	assert.Len(t, pub.all(), 2)
}

type brokenDeduper struct{}

func (brokenDeduper) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (brokenDeduper) Release(context.Context, string) error {
	return errors.New("redis down")
}

func TestDeduperFailureLetsNotificationThrough(t *testing.T) {
	pub := &capture{}
	e := NewEmitter(Config{Publisher: pub, Deduper: brokenDeduper{}, Logger: quiet})
	assert.True(t, e.Emit(context.Background(), models.Notification{Kind: models.NotifyCompletion, DedupeKey: "k"}))
	assert.Len(t, pub.all(), 1)
}

func TestPublishFailureIsCounted(t *testing.T) {
	pub := &capture{err: errors.New("broker unavailable")}
	e := NewEmitter(Config{Publisher: pub, Logger: quiet})
	e.Emit(context.Background(), models.Notification{Kind: models.NotifyCompletion})
	_, dropped := e.Stats()
	assert.Equal(t, 1, dropped)
}

func TestFailedPublishReleasesDedupeKey(t *testing.T) {
	pub := &capture{err: errors.New("broker unavailable")}
	e := NewEmitter(Config{Publisher: pub, Logger: quiet})
	ctx := context.Background()
	id := uuid.New()
	n := models.Notification{Kind: models.NotifyCompletion, SessionID: "s1", ProposalID: id, DedupeKey: Key(id, models.NotifyCompletion, "")}

	e.Emit(ctx, n)
	assert.Empty(t, pub.all())

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	assert.True(t, e.Emit(ctx, n))
	require.Len(t, pub.all(), 1)
	assert.False(t, e.Emit(ctx, n))
}

func TestQueuedPublishFailureReleasesDedupeKey(t *testing.T) {
	pub := &capture{err: errors.New("broker unavailable")}
	e := NewEmitter(Config{Publisher: pub, QueueSize: 4, Logger: quiet})
	n := models.Notification{Kind: models.NotifyReminder, SessionID: "s1", DedupeKey: "reminder:1"}

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, e.Emit(ctx, n))
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, dropped := e.Stats()
	assert.Equal(t, 1, dropped)
	assert.True(t, e.Emit(context.Background(), n))
}

func TestQueuedDeliveryThroughRun(t *testing.T) {
	pub := &capture{}
	e := NewEmitter(Config{Publisher: pub, QueueSize: 8, Logger: quiet})
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 5; i++ {
		require.True(t, e.Emit(ctx, models.Notification{Kind: models.NotifyReminder, SessionID: "s1"}))
	}
	assert.Empty(t, pub.all())

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	assert.Len(t, pub.all(), 5)
}

func TestMemoryDeduperExpires(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	d := NewMemoryDeduper(fake)
	ctx := context.Background()

	ok, _ := d.Claim(ctx, "k", time.Minute)
	assert.True(t, ok)
	ok, _ = d.Claim(ctx, "k", time.Minute)
	assert.False(t, ok)

	fake.Advance(time.Minute)
	ok, _ = d.Claim(ctx, "k", time.Minute)
	assert.True(t, ok)

	require.NoError(t, d.Release(ctx, "k"))
	ok, _ = d.Claim(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestKeyFormat(t *testing.T) {
	id := uuid.MustParse("6f1c3c1e-8a8e-4c55-9f0e-3b2a3d1d1a10")
	assert.Equal(t, "6f1c3c1e-8a8e-4c55-9f0e-3b2a3d1d1a10:completion", Key(id, models.NotifyCompletion, ""))
	assert.Equal(t, "6f1c3c1e-8a8e-4c55-9f0e-3b2a3d1d1a10:reminder:bob:2", Key(id, models.NotifyReminder, "bob:2"))
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &capture{}
	bad := PublisherFunc(func(context.Context, models.Notification) error { return errors.New("boom") })
	err := Fanout{ok, bad, NewLogPublisher(quiet)}.Publish(context.Background(), models.Notification{Kind: models.NotifyCompletion})
	assert.EqualError(t, err, "boom")
	assert.Len(t, ok.all(), 1)
}

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	msgs     []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherRetriesAndKeysBySession(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newKafkaPublisher(w, 3, time.Second)
	p.backoff = time.Millisecond

	n := models.Notification{ID: uuid.New(), Kind: models.NotifyCompletion, SessionID: "s1", DedupeKey: "k1"}
	require.NoError(t, p.Publish(context.Background(), n))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("s1"), w.msgs[0].Key)
	var decoded models.Notification
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, n.ID, decoded.ID)
	assert.Equal(t, "kind", w.msgs[0].Headers[0].Key)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 5}
	p := newKafkaPublisher(w, 2, time.Second)
	p.backoff = time.Millisecond

	err := p.Publish(context.Background(), models.Notification{SessionID: "s1"})
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.Empty(t, w.msgs)
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaPublisherConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaPublisherConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

// TestRedisDeduper_Integration requires a running Redis and is skipped otherwise.
func TestRedisDeduper_Integration(t *testing.T) {
	d := NewRedisDeduper("localhost:6379", "", 0)
	defer d.Close()
	ctx := context.Background()
	if err := d.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "test:" + uuid.NewString()
	ok, err := d.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Release(ctx, key))
	ok, err = d.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, d.Release(ctx, key))
}
