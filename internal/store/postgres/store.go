// Package postgres implements every component's store interface on a
// shared PostgreSQL database.
//
// The offer claim relies on PostgreSQL's row locking: the conditional
// UPDATE in ClaimOffer acquires the row lock before re-checking its WHERE
// clause, so concurrent claims serialize and at most one matches. The
// work-item assignment rides in the same transaction; any failure rolls
// the whole claim back.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/opscore/internal/api"
	"github.com/facilityops/opscore/internal/domain"
	"github.com/facilityops/opscore/internal/eventbus"
	"github.com/facilityops/opscore/internal/offer"
	"github.com/facilityops/opscore/internal/sla"
	"github.com/facilityops/opscore/internal/workflow"
)

type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a PostgreSQL store. Every operation is bounded by opTimeout.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// InsertEvent appends one row to the event log.
func (s *Store) InsertEvent(ctx context.Context, event domain.DomainEvent) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, queryInsertEvent,
		event.ID,
		event.EventType,
		event.Domain,
		event.AggregateID,
		payload,
		event.UserID,
		event.CorrelationID,
		event.CausationID,
		event.CreatedAt,
	)
	return err
}

// ListEvents returns log rows after the given sequence number, oldest
// first, optionally scoped to one domain. Pass domainFilter="" for all.
func (s *Store) ListEvents(ctx context.Context, afterSeq int64, domainFilter string, limit int) ([]domain.DomainEvent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListEvents, afterSeq, domainFilter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DomainEvent
	for rows.Next() {
		var event domain.DomainEvent
		err := rows.Scan(
			&event.Seq,
			&event.ID,
			&event.EventType,
			&event.Domain,
			&event.AggregateID,
			&event.Payload,
			&event.UserID,
			&event.CorrelationID,
			&event.CausationID,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

func (s *Store) GetWorkItem(ctx context.Context, id uuid.UUID) (domain.WorkItem, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var item domain.WorkItem
	var status string
	err := s.db.QueryRowContext(ctx, queryGetWorkItem, id).Scan(
		&item.ID,
		&item.Title,
		&item.Domain,
		&status,
		&item.AssignedTo,
		&item.SLABreachAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.WorkItem{}, offer.ErrWorkItemNotFound
	}
	if err != nil {
		return domain.WorkItem{}, err
	}
	item.Status = domain.WorkItemStatus(status)
	return item, nil
}

// CreateOffer creates the offer, its recipients, and flips the work item
// to offered, all in one transaction. The conditional item update and the
// partial unique index on open offers enforce the broadcast preconditions
// even under concurrent broadcasters.
func (s *Store) CreateOffer(ctx context.Context, taskOffer domain.TaskOffer, recipients []domain.OfferRecipient) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryMarkItemOffered, taskOffer.RequestID, taskOffer.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return offer.ErrNotAvailable
	}

	_, err = tx.ExecContext(ctx, queryInsertOffer,
		taskOffer.ID,
		taskOffer.RequestID,
		string(taskOffer.Status),
		taskOffer.ExpiresAt,
		taskOffer.CreatedBy,
		taskOffer.CreatedAt,
		taskOffer.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return offer.ErrAlreadyBroadcast
		}
		return err
	}

	for _, recipient := range recipients {
		_, err = tx.ExecContext(ctx, queryInsertRecipient,
			recipient.OfferID,
			recipient.UserID,
			recipient.DeliveredAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetOffer(ctx context.Context, id uuid.UUID) (domain.TaskOffer, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return scanOffer(s.db.QueryRowContext(ctx, queryGetOffer, id))
}

func (s *Store) IsRecipient(ctx context.Context, offerID uuid.UUID, userID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx, queryIsRecipient, offerID, userID).Scan(&exists)
	return exists, err
}

// ClaimOffer runs the claim CAS and the work-item assignment in a single
// transaction. A nil row with nil error means the CAS matched nothing
// (someone else won, or the offer expired or was withdrawn). A non-nil
// error means the transaction rolled back and the offer is untouched.
func (s *Store) ClaimOffer(ctx context.Context, offerID uuid.UUID, userID string, now time.Time) (*offer.ClaimRow, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	claimed, err := scanOffer(tx.QueryRowContext(ctx, queryClaimOffer, offerID, userID, now))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var itemDomain string
	err = tx.QueryRowContext(ctx, queryAssignWorkItem, claimed.RequestID, userID, now).Scan(&itemDomain)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("claim won but work item %s missing", claimed.RequestID)
		}
		return nil, fmt.Errorf("assign work item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &offer.ClaimRow{Offer: claimed, ItemDomain: itemDomain}, nil
}

func (s *Store) RemoveRecipient(ctx context.Context, offerID uuid.UUID, userID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	// Zero rows deleted is fine: decline is idempotent.
	_, err := s.db.ExecContext(ctx, queryRemoveRecipient, offerID, userID)
	return err
}

func (s *Store) CancelOffer(ctx context.Context, offerID uuid.UUID, now time.Time) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var requestID uuid.UUID
	err = tx.QueryRowContext(ctx, queryCancelOffer, offerID, now).Scan(&requestID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, queryRevertWorkItem, requestID, now); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// ExpireStaleOffers flips open offers past their deadline to expired and
// reverts their work items to open. SKIP LOCKED keeps concurrent sweepers
// from expiring the same offer twice.
func (s *Store) ExpireStaleOffers(ctx context.Context, now time.Time, limit int) ([]offer.StaleOffer, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, querySelectStaleOffers, now, limit)
	if err != nil {
		return nil, err
	}

	var stale []offer.StaleOffer
	for rows.Next() {
		var entry offer.StaleOffer
		var status string
		err := rows.Scan(
			&entry.Offer.ID,
			&entry.Offer.RequestID,
			&status,
			&entry.Offer.ExpiresAt,
			&entry.Offer.CreatedBy,
			&entry.Offer.ClaimedBy,
			&entry.Offer.ClaimedAt,
			&entry.Offer.CreatedAt,
			&entry.Offer.UpdatedAt,
			&entry.ItemDomain,
		)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entry.Offer.Status = domain.OfferStatusExpired
		stale = append(stale, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, entry := range stale {
		if _, err := tx.ExecContext(ctx, queryExpireOffer, entry.Offer.ID, now); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, queryRevertWorkItem, entry.Offer.RequestID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stale, nil
}

// ListPendingOffers returns open, unexpired offers delivered to userID.
func (s *Store) ListPendingOffers(ctx context.Context, userID string, now time.Time) ([]domain.TaskOffer, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListPendingOffers, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.TaskOffer
	for rows.Next() {
		taskOffer, err := scanOfferRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, taskOffer)
	}
	return result, rows.Err()
}

func (s *Store) GetBreachedItems(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryGetBreachedItems, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.WorkItem
	for rows.Next() {
		var item domain.WorkItem
		var status string
		err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.Domain,
			&status,
			&item.AssignedTo,
			&item.SLABreachAt,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		item.Status = domain.WorkItemStatus(status)
		result = append(result, item)
	}
	return result, rows.Err()
}

func (s *Store) InsertBreachRecord(ctx context.Context, record domain.SLABreachRecord) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertBreachRecord,
		record.ID,
		record.RequestID,
		record.SLABreachAt,
		record.EscalationType,
		record.PenaltyAmount,
		record.EscalationReason,
		record.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sla.ErrDuplicateBreach
		}
		return err
	}
	return nil
}

func (s *Store) GetActiveTriggers(ctx context.Context, eventType string) ([]domain.WorkflowTrigger, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryGetActiveTriggers, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.WorkflowTrigger
	for rows.Next() {
		var trigger domain.WorkflowTrigger
		err := rows.Scan(
			&trigger.ID,
			&trigger.TriggerName,
			&trigger.SourceModule,
			&trigger.EventType,
			&trigger.Conditions,
			&trigger.Actions,
			&trigger.IsActive,
			&trigger.CreatedAt,
			&trigger.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, trigger)
	}
	return result, rows.Err()
}

func (s *Store) InsertExecution(ctx context.Context, exec domain.WorkflowExecution) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	data := exec.ExecutionData
	if len(data) == 0 {
		data = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, queryInsertExecution,
		exec.ID,
		exec.TriggerID,
		data,
		string(exec.Status),
		exec.ErrorMessage,
		exec.StartedAt,
	)
	return err
}

// FinalizeExecution sets the terminal status with a guard in the WHERE
// clause so completed_at is written exactly once, even on replays.
func (s *Store) FinalizeExecution(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, errorMessage string, completedAt time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryFinalizeExecution, id, string(status), errorMessage, completedAt)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, queryGetExecutionStatus, id).Scan(&current)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return err
		}
		return workflow.ErrExecutionFinalized
	}
	return nil
}

func scanOffer(row *sql.Row) (domain.TaskOffer, error) {
	var taskOffer domain.TaskOffer
	var status string
	err := row.Scan(
		&taskOffer.ID,
		&taskOffer.RequestID,
		&status,
		&taskOffer.ExpiresAt,
		&taskOffer.CreatedBy,
		&taskOffer.ClaimedBy,
		&taskOffer.ClaimedAt,
		&taskOffer.CreatedAt,
		&taskOffer.UpdatedAt,
	)
	if err != nil {
		return domain.TaskOffer{}, err
	}
	taskOffer.Status = domain.OfferStatus(status)
	return taskOffer, nil
}

func scanOfferRows(rows *sql.Rows) (domain.TaskOffer, error) {
	var taskOffer domain.TaskOffer
	var status string
	err := rows.Scan(
		&taskOffer.ID,
		&taskOffer.RequestID,
		&status,
		&taskOffer.ExpiresAt,
		&taskOffer.CreatedBy,
		&taskOffer.ClaimedBy,
		&taskOffer.ClaimedAt,
		&taskOffer.CreatedAt,
		&taskOffer.UpdatedAt,
	)
	if err != nil {
		return domain.TaskOffer{}, err
	}
	taskOffer.Status = domain.OfferStatus(status)
	return taskOffer, nil
}

// isUniqueViolation checks for a PostgreSQL unique violation (23505).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}

// Compile-time interface assertions
var (
	_ eventbus.Store = (*Store)(nil)
	_ offer.Store    = (*Store)(nil)
	_ sla.Store      = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
	_ api.Store      = (*Store)(nil)
)
