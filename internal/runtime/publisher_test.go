package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-commerce-core/internal/adapters/schema"
	"github.com/architeacher/svc-commerce-core/internal/config"
	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
	"github.com/architeacher/svc-commerce-core/pkg/queue"
)

func testLogger() *infrastructure.Logger {
	return infrastructure.New(config.LoggingConfig{Level: "disabled", Format: "json"})
}

type markCall struct {
	op      string
	eventID string
	details string
}

type fakeOutboxRepo struct {
	pending  []*domain.OutboxEvent
	expired  []*domain.OutboxEvent
	marks    []markCall
	markErrs map[string]error
}

func (r *fakeOutboxRepo) StageInTx(context.Context, *sqlx.Tx, *domain.OutboxEvent) error {
	return nil
}

func (r *fakeOutboxRepo) ClaimPending(context.Context, int) ([]*domain.OutboxEvent, error) {
	return r.pending, nil
}

func (r *fakeOutboxRepo) ClaimExpired(context.Context, time.Time, int) ([]*domain.OutboxEvent, error) {
	return r.expired, nil
}

func (r *fakeOutboxRepo) mark(op, eventID, details string) error {
	r.marks = append(r.marks, markCall{op: op, eventID: eventID, details: details})

	if err, ok := r.markErrs[op+":"+eventID]; ok {
		return err
	}

	return nil
}

func (r *fakeOutboxRepo) MarkPublished(_ context.Context, eventID string) error {
	return r.mark("published", eventID, "")
}

func (r *fakeOutboxRepo) MarkFailed(_ context.Context, eventID, details string) error {
	return r.mark("failed", eventID, details)
}

func (r *fakeOutboxRepo) MarkPermanentlyFailed(_ context.Context, eventID, details string) error {
	return r.mark("permanently_failed", eventID, details)
}

func (r *fakeOutboxRepo) MarkTimedOut(_ context.Context, eventID, details string) error {
	return r.mark("timed_out", eventID, details)
}

func (r *fakeOutboxRepo) Cleanup(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeOutboxRepo) marksOf(op string) []markCall {
	var calls []markCall
	for _, call := range r.marks {
		if call.op == op {
			calls = append(calls, call)
		}
	}

	return calls
}

type publishedEvent struct {
	exchange   string
	routingKey string
	msg        queue.Message
}

type fakePublisher struct {
	published []publishedEvent
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, exchange, routingKey string, msg queue.Message) error {
	if p.err != nil {
		return p.err
	}

	p.published = append(p.published, publishedEvent{exchange: exchange, routingKey: routingKey, msg: msg})

	return nil
}

func (p *fakePublisher) DeclareExchange(string, string, bool, bool) error {
	return nil
}

func pendingEvent(eventID string, attemptCount int) *domain.OutboxEvent {
	return &domain.OutboxEvent{
		EventID:       eventID,
		CorrelationID: "corr-1",
		EventType:     domain.EventOrderCreated,
		Destination:   string(domain.EventOrderCreated),
		Payload:       json.RawMessage(`{"orderId":"o-1"}`),
		Status:        domain.OutboxStatusPending,
		AttemptCount:  attemptCount,
		CreatedAt:     time.Now().UTC(),
	}
}

func outboxConfig() config.OutboxConfig {
	return config.OutboxConfig{
		PollInterval:  time.Second,
		BatchSize:     100,
		MaxAttempts:   5,
		ClaimTimeout:  30 * time.Second,
		RetentionDays: 7,
		CleanupEvery:  time.Hour,
	}
}

func newProcessorUnderTest(repo *fakeOutboxRepo, publisher *fakePublisher) *OutboxProcessor {
	return NewOutboxProcessor(
		repo,
		schema.NewRegistry(),
		publisher,
		&infrastructure.NoOpMetrics{},
		testLogger(),
		outboxConfig(),
		"commerce.events",
	)
}

func TestProcessEventPublishesAndMarks(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{}
	publisher := &fakePublisher{}
	processor := newProcessorUnderTest(repo, publisher)

	event := pendingEvent("evt-1", 0)

	require.NoError(t, processor.processEvent(context.Background(), event))

	require.Len(t, publisher.published, 1)
	published := publisher.published[0]
	assert.Equal(t, "commerce.events", published.exchange)
	assert.Equal(t, "ORDER_CREATED", published.routingKey)
	assert.Equal(t, "evt-1", published.msg.Metadata.EventID)
	assert.Equal(t, "corr-1", published.msg.Metadata.CorrelationID)

	marks := repo.marksOf("published")
	require.Len(t, marks, 1)
	assert.Equal(t, "evt-1", marks[0].eventID)
}

func TestProcessEventFailureLeavesPendingBelowAttemptCap(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{}
	publisher := &fakePublisher{err: errors.New("broker gone")}
	processor := newProcessorUnderTest(repo, publisher)

	// attemptCount == maxAttempts - 1: the failure is recorded and the event
	// stays PENDING for one more retry.
	event := pendingEvent("evt-1", 4)

	err := processor.processEvent(context.Background(), event)

	require.Error(t, err)
	assert.Len(t, repo.marksOf("failed"), 1)
	assert.Empty(t, repo.marksOf("permanently_failed"))
}

func TestProcessEventFailureAtAttemptCapPromotesToFailed(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{}
	publisher := &fakePublisher{err: errors.New("broker gone")}
	processor := newProcessorUnderTest(repo, publisher)

	// attemptCount == maxAttempts: the next failure promotes to FAILED.
	event := pendingEvent("evt-1", 5)

	err := processor.processEvent(context.Background(), event)

	require.Error(t, err)
	assert.Empty(t, repo.marksOf("failed"))
	assert.Len(t, repo.marksOf("permanently_failed"), 1)
}

func TestProcessEventInvalidPayloadFailsWithoutPublishing(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{}
	publisher := &fakePublisher{}
	processor := newProcessorUnderTest(repo, publisher)

	event := pendingEvent("evt-1", 0)
	event.Payload = json.RawMessage(`{"userId":"u-1"}`) // missing the required orderId

	err := processor.processEvent(context.Background(), event)

	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, publisher.published, "an invalid payload never reaches the broker")
	assert.Len(t, repo.marksOf("permanently_failed"), 1)
}

func TestProcessEventPublishedButAlreadyTerminal(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{
		markErrs: map[string]error{"published:evt-1": domain.ErrAlreadyClaimed},
	}
	publisher := &fakePublisher{}
	processor := newProcessorUnderTest(repo, publisher)

	// Losing the CAS after a successful publish is absorbed, not an error;
	// the duplicate send is the consumer's idempotency problem.
	assert.NoError(t, processor.processEvent(context.Background(), pendingEvent("evt-1", 0)))
}
