package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
)

const outboxEventsTable = "outbox_events"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var outboxColumns = []string{
	"id", "event_id", "correlation_id", "event_type", "destination",
	"payload", "status", "attempt_count", "last_error", "source",
	"created_at", "published_at", "expires_at", "compensation_data",
}

type (
	// OutboxRepository persists staged events next to the business writes that
	// produced them. Claims are cooperative: rows carry a claimed_at stamp so
	// a publisher that died mid-batch releases its claim after the timeout,
	// and terminal transitions are CAS-guarded on status=PENDING so the
	// publisher and the timeout worker never both own the same row.
	OutboxRepository struct {
		storage      *infrastructure.Storage
		claimTimeout time.Duration
	}

	outboxEventRow struct {
		ID               string     `db:"id"`
		EventID          string     `db:"event_id"`
		CorrelationID    string     `db:"correlation_id"`
		EventType        string     `db:"event_type"`
		Destination      string     `db:"destination"`
		Payload          []byte     `db:"payload"`
		Status           string     `db:"status"`
		AttemptCount     int        `db:"attempt_count"`
		LastError        *string    `db:"last_error"`
		Source           string     `db:"source"`
		CreatedAt        time.Time  `db:"created_at"`
		PublishedAt      *time.Time `db:"published_at"`
		ExpiresAt        *time.Time `db:"expires_at"`
		CompensationData []byte     `db:"compensation_data"`
	}
)

func NewOutboxRepository(storage *infrastructure.Storage, claimTimeout time.Duration) *OutboxRepository {
	return &OutboxRepository{
		storage:      storage,
		claimTimeout: claimTimeout,
	}
}

// StageInTx saves an outbox event within the caller's transaction. A failure
// here rolls the business change back with it.
func (r *OutboxRepository) StageInTx(ctx context.Context, tx *sqlx.Tx, event *domain.OutboxEvent) error {
	if event.ID == uuid.Nil {
		eventName := fmt.Sprintf("%s::%s::%d",
			event.CorrelationID,
			event.EventType,
			event.CreatedAt.UnixNano())
		event.ID = uuid.NewSHA1(OutboxNamespace, []byte(eventName))
	}

	if event.EventID == "" {
		event.EventID = event.ID.String()
	}

	if event.Status == "" {
		event.Status = domain.OutboxStatusPending
	}

	query, args, err := psql.Insert(outboxEventsTable).
		Columns("id", "event_id", "correlation_id", "event_type", "destination",
			"payload", "status", "attempt_count", "source", "created_at", "expires_at", "compensation_data").
		Values(event.ID, event.EventID, event.CorrelationID, event.EventType, event.Destination,
			[]byte(event.Payload), event.Status, event.AttemptCount, event.Source, event.CreatedAt,
			event.ExpiresAt, []byte(event.CompensationData)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	_, err = tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to stage outbox event: %w", err)
	}

	return nil
}

// ClaimPending claims a batch of PENDING events for publishing, oldest first.
// SKIP LOCKED keeps concurrent publishers from blocking on each other; the
// claimed_at stamp keeps them from re-claiming each other's in-flight rows
// until the claim times out.
func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	return r.claim(ctx, limit, sq.And{
		sq.Eq{"status": domain.OutboxStatusPending},
		sq.Or{
			sq.Eq{"claimed_at": nil},
			sq.Expr("claimed_at < NOW() - ?::interval", fmt.Sprintf("%d milliseconds", r.claimTimeout.Milliseconds())),
		},
	}, "pending outbox events")
}

// ClaimExpired claims PENDING events whose saga-leg deadline lies strictly in
// the past. A deadline exactly equal to now is not yet expired.
func (r *OutboxRepository) ClaimExpired(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEvent, error) {
	return r.claim(ctx, limit, sq.And{
		sq.Eq{"status": domain.OutboxStatusPending},
		sq.Expr("expires_at IS NOT NULL"),
		sq.Lt{"expires_at": now},
	}, "expired outbox events")
}

func (r *OutboxRepository) claim(ctx context.Context, limit int, criteria sq.Sqlizer, errorContext string) ([]*domain.OutboxEvent, error) {
	var events []*domain.OutboxEvent

	err := r.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := psql.Select(outboxColumns...).
			From(outboxEventsTable).
			Where(criteria).
			OrderBy("created_at ASC").
			Limit(uint64(limit)).
			Suffix("FOR UPDATE SKIP LOCKED").
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build select query: %w", err)
		}

		var rows []outboxEventRow
		if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
			return fmt.Errorf("failed to query %s: %w", errorContext, err)
		}

		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}

		query, args, err = psql.Update(outboxEventsTable).
			Set("claimed_at", sq.Expr("NOW()")).
			Where(sq.Eq{"id": ids}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build claim query: %w", err)
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to stamp claimed %s: %w", errorContext, err)
		}

		events = make([]*domain.OutboxEvent, 0, len(rows))
		for _, row := range rows {
			event, err := convertRowToEvent(row)
			if err != nil {
				return err
			}
			events = append(events, event)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return events, nil
}

// MarkPublished marks an event as successfully published. The CAS on status
// makes the transition single-owner: a row already moved to a terminal state
// by the timeout worker stays there.
func (r *OutboxRepository) MarkPublished(ctx context.Context, eventID string) error {
	query, args, err := psql.Update(outboxEventsTable).
		Set("status", domain.OutboxStatusPublished).
		Set("published_at", sq.Expr("NOW()")).
		Where(sq.Eq{"event_id": eventID, "status": domain.OutboxStatusPending}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	return r.exec(ctx, query, args, eventID)
}

// MarkFailed records a publish failure and releases the claim so the next
// tick retries. Status stays PENDING until the attempt cap is reached.
func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID, errorDetails string) error {
	query, args, err := psql.Update(outboxEventsTable).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("last_error", errorDetails).
		Set("claimed_at", nil).
		Where(sq.Eq{"event_id": eventID, "status": domain.OutboxStatusPending}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	return r.exec(ctx, query, args, eventID)
}

// MarkPermanentlyFailed parks an event as FAILED after the attempt cap; it is
// surfaced to operators and never retried automatically.
func (r *OutboxRepository) MarkPermanentlyFailed(ctx context.Context, eventID, errorDetails string) error {
	return r.transition(ctx, eventID, domain.OutboxStatusFailed, errorDetails)
}

// MarkTimedOut moves an expired saga leg to TIMEOUT.
func (r *OutboxRepository) MarkTimedOut(ctx context.Context, eventID, errorDetails string) error {
	return r.transition(ctx, eventID, domain.OutboxStatusTimeout, errorDetails)
}

func (r *OutboxRepository) transition(ctx context.Context, eventID string, status domain.OutboxStatus, errorDetails string) error {
	query, args, err := psql.Update(outboxEventsTable).
		Set("status", status).
		Set("last_error", errorDetails).
		Where(sq.Eq{"event_id": eventID, "status": domain.OutboxStatusPending}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	return r.exec(ctx, query, args, eventID)
}

func (r *OutboxRepository) exec(ctx context.Context, query string, args []any, eventID string) error {
	result, err := r.storage.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyClaimed, eventID)
	}

	return nil
}

// Cleanup removes PUBLISHED events older than the retention horizon.
func (r *OutboxRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	query, args, err := psql.Delete(outboxEventsTable).
		Where(sq.And{
			sq.Eq{"status": domain.OutboxStatusPublished},
			sq.Lt{"published_at": olderThan},
		}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete query: %w", err)
	}

	result, err := r.storage.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up outbox events: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

func convertRowToEvent(row outboxEventRow) (*domain.OutboxEvent, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse id: %w", err)
	}

	return &domain.OutboxEvent{
		ID:               id,
		EventID:          row.EventID,
		CorrelationID:    row.CorrelationID,
		EventType:        domain.EventType(row.EventType),
		Destination:      row.Destination,
		Payload:          json.RawMessage(row.Payload),
		Status:           domain.OutboxStatus(row.Status),
		AttemptCount:     row.AttemptCount,
		LastError:        row.LastError,
		Source:           row.Source,
		CreatedAt:        row.CreatedAt,
		PublishedAt:      row.PublishedAt,
		ExpiresAt:        row.ExpiresAt,
		CompensationData: json.RawMessage(row.CompensationData),
	}, nil
}
