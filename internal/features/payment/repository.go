// Package payment (repository.go) хранит обработанные webhook-события (таблица webhook_events).
package payment

import (
	"context"
	"fmt"

	"serotonyl.ru/token-ledger/internal/db/postgres"
)

// EventRepository: журнал обработанных событий провайдера.
type EventRepository interface {
	WebhookProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkWebhookProcessed(ctx context.Context, provider, eventID, eventType string) error
}

// PgEventRepository: реализация EventRepository на PostgreSQL.
type PgEventRepository struct {
	db postgres.Querier
}

func NewEventRepository(db postgres.Querier) *PgEventRepository {
	return &PgEventRepository{db: db}
}

func (r *PgEventRepository) WebhookProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)
	`, provider, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки webhook-события: %w", err)
	}
	return exists, nil
}

func (r *PgEventRepository) MarkWebhookProcessed(ctx context.Context, provider, eventID, eventType string) error {
	_, err := postgres.Conn(ctx, r.db).Exec(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		return fmt.Errorf("ошибка записи webhook-события: %w", err)
	}
	return nil
}
