package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marginaliaAPI/internal/types/subscription"
)

// Store is the Postgres datastore for subscription records and the
// processed-event ledger. Timestamps cross the wire as unix milliseconds;
// a zero value is stored as NULL so "absent" is queryable.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// UpsertByOwner writes the canonical record for an owner. owner_id and
// created_at are immutable after the first write. trial_ends_at is never
// cleared once set, only superseded by a newer non-null value, so trial
// history survives re-checkouts without a trial.
func (s *Store) UpsertByOwner(ctx context.Context, rec *subscription.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, owner_id, provider_customer_id, provider_subscription_id,
			price_id, status, current_period_end, trial_ends_at,
			cancel_at_period_end, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, 0), NULLIF($8, 0), $9, $10, $10)
		ON CONFLICT (owner_id) DO UPDATE SET
			provider_customer_id     = EXCLUDED.provider_customer_id,
			provider_subscription_id = EXCLUDED.provider_subscription_id,
			price_id                 = EXCLUDED.price_id,
			status                   = EXCLUDED.status,
			current_period_end       = EXCLUDED.current_period_end,
			trial_ends_at            = COALESCE(EXCLUDED.trial_ends_at, subscriptions.trial_ends_at),
			cancel_at_period_end     = EXCLUDED.cancel_at_period_end,
			updated_at               = EXCLUDED.updated_at
	`
	_, err := s.db.Exec(ctx, query,
		uuid.New(), rec.OwnerID, rec.ProviderCustomerID, rec.ProviderSubscriptionID,
		rec.PriceID, rec.Status, rec.CurrentPeriodEnd, rec.TrialEndsAt,
		rec.CancelAtPeriodEnd, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription by owner: %w", err)
	}
	return nil
}

// UpdateByCustomer applies provider-derived fields to the record holding
// this provider customer id. Returns false when no such record exists yet,
// i.e. the checkout event that establishes ownership has not landed.
func (s *Store) UpdateByCustomer(ctx context.Context, rec *subscription.Subscription) (bool, error) {
	query := `
		UPDATE subscriptions SET
			provider_subscription_id = $2,
			price_id                 = $3,
			status                   = $4,
			current_period_end       = NULLIF($5, 0),
			trial_ends_at            = COALESCE(NULLIF($6, 0), trial_ends_at),
			cancel_at_period_end     = $7,
			updated_at               = $8
		WHERE provider_customer_id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		rec.ProviderCustomerID, rec.ProviderSubscriptionID, rec.PriceID,
		rec.Status, rec.CurrentPeriodEnd, rec.TrialEndsAt,
		rec.CancelAtPeriodEnd, rec.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update subscription by customer: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireByCustomer marks the customer's subscription ended. Period and
// trial fields stay untouched for read-side reason codes.
func (s *Store) ExpireByCustomer(ctx context.Context, providerCustomerID string, updatedAt int64) (bool, error) {
	query := `
		UPDATE subscriptions SET
			status               = $2,
			cancel_at_period_end = FALSE,
			updated_at           = $3
		WHERE provider_customer_id = $1
	`
	tag, err := s.db.Exec(ctx, query, providerCustomerID, subscription.StatusExpired, updatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to expire subscription by customer: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByOwner returns the owner's subscription record, or nil when the
// owner never completed a checkout.
func (s *Store) GetByOwner(ctx context.Context, ownerID string) (*subscription.Subscription, error) {
	query := `
		SELECT id, owner_id, provider_customer_id, provider_subscription_id,
		       price_id, status,
		       COALESCE(current_period_end, 0),
		       COALESCE(trial_ends_at, 0),
		       cancel_at_period_end, created_at, updated_at
		FROM subscriptions
		WHERE owner_id = $1
	`
	var rec subscription.Subscription
	err := s.db.QueryRow(ctx, query, ownerID).Scan(
		&rec.ID, &rec.OwnerID, &rec.ProviderCustomerID, &rec.ProviderSubscriptionID,
		&rec.PriceID, &rec.Status, &rec.CurrentPeriodEnd, &rec.TrialEndsAt,
		&rec.CancelAtPeriodEnd, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription by owner: %w", err)
	}
	return &rec, nil
}

// IsEventProcessed reports whether a provider event id is already in the
// ledger.
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var processed bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`,
		eventID,
	).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("failed to check event ledger: %w", err)
	}
	return processed, nil
}

// MarkEventProcessed records a handled provider event. Re-marking the same
// event id is a no-op.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	query := `
		INSERT INTO webhook_events (event_id, event_type, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query, eventID, eventType, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// DeleteEventsBefore drops ledger entries processed before the cutoff and
// returns how many went.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff int64) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM webhook_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}
