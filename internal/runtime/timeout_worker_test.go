package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-commerce-core/internal/config"
	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
)

func newTimeoutWorkerUnderTest(repo *fakeOutboxRepo, publisher *fakePublisher) *TimeoutWorker {
	return NewTimeoutWorker(
		repo,
		publisher,
		&infrastructure.NoOpMetrics{},
		testLogger(),
		config.TimeoutWorkerConfig{ScanInterval: 30 * time.Second, BatchSize: 50},
		"commerce.events",
	)
}

func expiredEvent(eventID string, eventType domain.EventType, compensationData string) *domain.OutboxEvent {
	expiresAt := time.Now().UTC().Add(-time.Minute)

	event := &domain.OutboxEvent{
		EventID:       eventID,
		CorrelationID: "corr-1",
		EventType:     eventType,
		Destination:   string(eventType),
		Payload:       json.RawMessage(`{"orderId":"o-1","productId":"p-1","quantity":1}`),
		Status:        domain.OutboxStatusPending,
		CreatedAt:     time.Now().UTC().Add(-10 * time.Minute),
		ExpiresAt:     &expiresAt,
	}

	if compensationData != "" {
		event.CompensationData = json.RawMessage(compensationData)
	}

	return event
}

func TestExpiredReserveEmitsRelease(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{
		expired: []*domain.OutboxEvent{
			expiredEvent("evt-1", domain.EventReserve, `{"orderId":"o-1","productId":"p-1","quantity":1}`),
		},
	}
	publisher := &fakePublisher{}
	worker := newTimeoutWorkerUnderTest(repo, publisher)

	require.NoError(t, worker.processExpiredEvents(context.Background()))

	marks := repo.marksOf("timed_out")
	require.Len(t, marks, 1)
	assert.Equal(t, "evt-1", marks[0].eventID)
	assert.Contains(t, marks[0].details, "expired")

	require.Len(t, publisher.published, 1)
	published := publisher.published[0]
	assert.Equal(t, string(domain.EventRelease), published.routingKey)
	assert.Equal(t, string(domain.EventRelease), published.msg.Type)
	assert.Equal(t, "evt-1-timeout-comp", published.msg.Metadata.EventID)
	assert.Equal(t, "corr-1", published.msg.Metadata.CorrelationID)
	assert.JSONEq(t, `{"orderId":"o-1","productId":"p-1","quantity":1}`, string(published.msg.Data))
}

func TestExpiredOrderCreatedEmitsOrderTimeout(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{
		expired: []*domain.OutboxEvent{
			expiredEvent("evt-2", domain.EventOrderCreated, ""),
		},
	}
	publisher := &fakePublisher{}
	worker := newTimeoutWorkerUnderTest(repo, publisher)

	require.NoError(t, worker.processExpiredEvents(context.Background()))

	require.Len(t, publisher.published, 1)
	assert.Equal(t, string(domain.EventOrderTimeout), publisher.published[0].msg.Type)
	assert.JSONEq(t, `{"orderId":"o-1","productId":"p-1","quantity":1}`,
		string(publisher.published[0].msg.Data),
		"without a compensation snapshot the original payload is reused")
}

func TestExpiredPaymentInitiatedEmitsPaymentCancel(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{
		expired: []*domain.OutboxEvent{
			expiredEvent("evt-3", domain.EventPaymentInitiated, `{"orderId":"o-1","amount":100}`),
		},
	}
	publisher := &fakePublisher{}
	worker := newTimeoutWorkerUnderTest(repo, publisher)

	require.NoError(t, worker.processExpiredEvents(context.Background()))

	require.Len(t, publisher.published, 1)
	assert.Equal(t, string(domain.EventPaymentCancel), publisher.published[0].msg.Type)
	assert.JSONEq(t, `{"orderId":"o-1","amount":100}`, string(publisher.published[0].msg.Data))
}

func TestExpiredEventWithoutCompensationIsOnlyMarked(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{
		expired: []*domain.OutboxEvent{
			expiredEvent("evt-4", domain.EventInventoryReserved, ""),
		},
	}
	publisher := &fakePublisher{}
	worker := newTimeoutWorkerUnderTest(repo, publisher)

	require.NoError(t, worker.processExpiredEvents(context.Background()))

	assert.Len(t, repo.marksOf("timed_out"), 1)
	assert.Empty(t, publisher.published)
}

func TestOneFailingEventDoesNotAbortTheBatch(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{
		expired: []*domain.OutboxEvent{
			expiredEvent("evt-5", domain.EventReserve, ""),
			expiredEvent("evt-6", domain.EventReserve, ""),
		},
		markErrs: map[string]error{"timed_out:evt-5": errors.New("storage hiccup")},
	}
	publisher := &fakePublisher{}
	worker := newTimeoutWorkerUnderTest(repo, publisher)

	require.NoError(t, worker.processExpiredEvents(context.Background()))

	require.Len(t, publisher.published, 1, "the second event is still compensated")
	assert.Equal(t, "evt-6-timeout-comp", publisher.published[0].msg.Metadata.EventID)
}

func TestEventAlreadyClaimedByAnotherOwnerIsSkipped(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{
		expired: []*domain.OutboxEvent{
			expiredEvent("evt-7", domain.EventReserve, ""),
		},
		markErrs: map[string]error{"timed_out:evt-7": domain.ErrAlreadyClaimed},
	}
	publisher := &fakePublisher{}
	worker := newTimeoutWorkerUnderTest(repo, publisher)

	require.NoError(t, worker.processExpiredEvents(context.Background()))

	assert.Empty(t, publisher.published, "a row owned by the publisher is not compensated")
}
