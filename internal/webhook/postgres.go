package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perimetra/perimetra/internal/models"
)

// PostgresRepository is the pgx-backed Repository implementation
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new postgres-backed repository
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const webhookColumns = `id, owner_id, name, target_url, secret, enabled, events,
	consecutive_failures, circuit_open_until, created_at, updated_at`

const deliveryColumns = `id, webhook_id, event_id, event_type, payload, status,
	attempts, last_attempt_at, next_retry_at, response_code, error_message, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	var w models.Webhook
	var events []string
	err := row.Scan(
		&w.ID, &w.OwnerID, &w.Name, &w.TargetURL, &w.Secret, &w.Enabled, &events,
		&w.ConsecutiveFailures, &w.CircuitOpenUntil, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Events = make([]models.EventType, len(events))
	for i, e := range events {
		w.Events[i] = models.EventType(e)
	}
	return &w, nil
}

func scanDelivery(row rowScanner) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	err := row.Scan(
		&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &d.Payload, &d.Status,
		&d.Attempts, &d.LastAttemptAt, &d.NextRetryAt, &d.ResponseCode, &d.ErrorMessage, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func eventStrings(events []models.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

// FindEnabledForOwner returns all enabled webhooks of an owner
func (r *PostgresRepository) FindEnabledForOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Webhook, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks
		WHERE owner_id = $1 AND enabled = TRUE
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*models.Webhook
	for rows.Next() {
		hook, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}

// FindWebhook returns a webhook by id
func (r *PostgresRepository) FindWebhook(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks
		WHERE id = $1
	`, id)

	hook, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookNotFound
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return hook, nil
}

// CreateWebhook inserts a new webhook
func (r *PostgresRepository) CreateWebhook(ctx context.Context, hook *models.Webhook) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO webhooks (id, owner_id, name, target_url, secret, enabled, events)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING consecutive_failures, created_at, updated_at
	`, hook.ID, hook.OwnerID, hook.Name, hook.TargetURL, hook.Secret, hook.Enabled, eventStrings(hook.Events)).
		Scan(&hook.ConsecutiveFailures, &hook.CreatedAt, &hook.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert webhook: %w", err)
	}
	return nil
}

// ListWebhooksForOwner returns all webhooks of an owner, enabled or not
func (r *PostgresRepository) ListWebhooksForOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Webhook, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*models.Webhook
	for rows.Next() {
		hook, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}

// UpdateWebhook updates the admin-editable fields of a webhook
func (r *PostgresRepository) UpdateWebhook(ctx context.Context, hook *models.Webhook) error {
	err := r.db.QueryRow(ctx, `
		UPDATE webhooks
		SET name = $2, target_url = $3, secret = $4, enabled = $5, events = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, hook.ID, hook.Name, hook.TargetURL, hook.Secret, hook.Enabled, eventStrings(hook.Events)).
		Scan(&hook.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrWebhookNotFound
		}
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	return nil
}

// DeleteWebhook removes a webhook and its deliveries (via FK cascade)
func (r *PostgresRepository) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

// IncrementConsecutiveFailures atomically bumps the failure counter and
// returns the new value. Done in SQL so concurrent attempts against the
// same webhook cannot lose updates.
func (r *PostgresRepository) IncrementConsecutiveFailures(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		UPDATE webhooks
		SET consecutive_failures = consecutive_failures + 1, updated_at = now()
		WHERE id = $1
		RETURNING consecutive_failures
	`, id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrWebhookNotFound
		}
		return 0, fmt.Errorf("failed to increment consecutive failures: %w", err)
	}
	return count, nil
}

// ResetConsecutiveFailures zeroes the failure counter
func (r *PostgresRepository) ResetConsecutiveFailures(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE webhooks
		SET consecutive_failures = 0, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset consecutive failures: %w", err)
	}
	return nil
}

// OpenCircuit sets the circuit expiry on a webhook
func (r *PostgresRepository) OpenCircuit(ctx context.Context, id uuid.UUID, until time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE webhooks
		SET circuit_open_until = $2, updated_at = now()
		WHERE id = $1
	`, id, until)
	if err != nil {
		return fmt.Errorf("failed to open circuit: %w", err)
	}
	return nil
}

// CreateDelivery inserts a pending delivery with its immutable payload snapshot
func (r *PostgresRepository) CreateDelivery(ctx context.Context, webhookID uuid.UUID, eventID *uuid.UUID, eventType models.EventType, payload []byte) (*models.WebhookDelivery, error) {
	delivery := &models.WebhookDelivery{
		ID:        uuid.New(),
		WebhookID: webhookID,
		EventID:   eventID,
		EventType: eventType,
		Payload:   payload,
		Status:    models.DeliveryStatusPending,
	}

	err := r.db.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event_id, event_type, payload, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING created_at
	`, delivery.ID, delivery.WebhookID, delivery.EventID, string(delivery.EventType), delivery.Payload, string(delivery.Status)).
		Scan(&delivery.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert delivery: %w", err)
	}
	return delivery, nil
}

// FindDelivery returns a delivery by id
func (r *PostgresRepository) FindDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE id = $1
	`, id)

	delivery, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return delivery, nil
}

// UpdateDeliveryAttempt records the outcome of one attempt: the attempt
// counter and last_attempt_at are advanced in SQL
func (r *PostgresRepository) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, update AttemptUpdate) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2,
		    attempts = attempts + 1,
		    last_attempt_at = now(),
		    next_retry_at = $3,
		    response_code = $4,
		    error_message = $5
		WHERE id = $1
	`, id, string(update.Status), update.NextRetryAt, update.ResponseCode, update.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to update delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

// MarkDeliveryFailed moves a delivery to terminal failure without counting
// an attempt (used when the webhook is gone, disabled, or unsignable)
func (r *PostgresRepository) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, error_message = $3, next_retry_at = NULL
		WHERE id = $1
	`, id, string(models.DeliveryStatusFailed), reason)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

// PostponeDelivery reschedules a pending delivery without touching attempts
func (r *PostgresRepository) PostponeDelivery(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE webhook_deliveries
		SET next_retry_at = $2
		WHERE id = $1 AND status = $3
	`, id, nextRetryAt, string(models.DeliveryStatusPending))
	if err != nil {
		return fmt.Errorf("failed to postpone delivery: %w", err)
	}
	return nil
}

// ClaimPendingRetries atomically claims due deliveries for this worker by
// pushing next_retry_at forward by the lease inside a SKIP LOCKED update.
// Rows claimed by a worker that dies become due again once the lease expires.
func (r *PostgresRepository) ClaimPendingRetries(ctx context.Context, batchSize int, lease time.Duration) ([]*models.WebhookDelivery, error) {
	leaseUntil := time.Now().Add(lease)

	rows, err := r.db.Query(ctx, `
		UPDATE webhook_deliveries
		SET next_retry_at = $2
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = $3 AND attempts > 0 AND next_retry_at <= now()
			ORDER BY next_retry_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns+`
	`, batchSize, leaseUntil, string(models.DeliveryStatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending retries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, delivery)
	}
	return deliveries, rows.Err()
}

// ListDeliveriesForWebhook returns the delivery audit log, most recent first
func (r *PostgresRepository) ListDeliveriesForWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, delivery)
	}
	return deliveries, rows.Err()
}

// DeleteDeliveriesOlderThan removes delivery records past the retention window
func (r *PostgresRepository) DeleteDeliveriesOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	tag, err := r.db.Exec(ctx, `
		DELETE FROM webhook_deliveries
		WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordEventOutcome writes the aggregate delivery summary onto the
// originating geofence event
func (r *PostgresRepository) RecordEventOutcome(ctx context.Context, eventID uuid.UUID, delivered bool, responseCode *int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE geofence_events
		SET webhook_delivered = $2, webhook_response_code = $3
		WHERE id = $1
	`, eventID, delivered, responseCode)
	if err != nil {
		return fmt.Errorf("failed to record event outcome: %w", err)
	}
	return nil
}
