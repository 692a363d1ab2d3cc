// Package purchase (repository.go) работает с таблицей purchase_requests.
package purchase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/db/postgres"
)

// Repository: хранилище запросов на покупку.
// Get* возвращают common.ErrRequestNotFound, если запроса нет.
type Repository interface {
	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id int64) (*Request, error)
	// GetRequestForUpdate блокирует строку запроса до конца транзакции.
	GetRequestForUpdate(ctx context.Context, id int64) (*Request, error)
	UpdateRequest(ctx context.Context, r *Request) error
	ListByRequester(ctx context.Context, requesterID int64, status Status) ([]*Request, error)
	ListByGroup(ctx context.Context, groupID int64, status Status) ([]*Request, error)
}

// PgRepository: реализация Repository на PostgreSQL.
type PgRepository struct {
	db postgres.Querier
}

func NewRepository(db postgres.Querier) *PgRepository {
	return &PgRepository{db: db}
}

const requestColumns = `
	pr.id, pr.requester_id, pr.package_id, pr.status, pr.approver_id, pr.rejection_reason,
	pr.checkout_url, pr.created_at, pr.resolved_at, pr.updated_at
`

func scanRequest(row pgx.Row) (*Request, error) {
	var (
		r      Request
		status string
	)
	err := row.Scan(
		&r.ID, &r.RequesterID, &r.PackageID, &status, &r.ApproverID, &r.RejectionReason,
		&r.CheckoutURL, &r.CreatedAt, &r.ResolvedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return &r, nil
}

func (r *PgRepository) CreateRequest(ctx context.Context, req *Request) error {
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO purchase_requests (requester_id, package_id, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, req.RequesterID, req.PackageID, string(req.Status)).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса на покупку: %w", err)
	}
	return nil
}

func (r *PgRepository) GetRequest(ctx context.Context, id int64) (*Request, error) {
	return r.getRequest(ctx, id, "")
}

func (r *PgRepository) GetRequestForUpdate(ctx context.Context, id int64) (*Request, error) {
	return r.getRequest(ctx, id, "FOR UPDATE")
}

func (r *PgRepository) getRequest(ctx context.Context, id int64, lock string) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM purchase_requests pr WHERE pr.id = $1 ` + lock
	req, err := scanRequest(postgres.Conn(ctx, r.db).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("запрос %d: %w", id, common.ErrRequestNotFound)
		}
		return nil, fmt.Errorf("ошибка чтения запроса %d: %w", id, err)
	}
	return req, nil
}

func (r *PgRepository) UpdateRequest(ctx context.Context, req *Request) error {
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		UPDATE purchase_requests
		SET status = $2, approver_id = $3, rejection_reason = $4, checkout_url = $5,
		    resolved_at = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`,
		req.ID, string(req.Status), req.ApproverID, req.RejectionReason, req.CheckoutURL, req.ResolvedAt,
	).Scan(&req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления запроса %d: %w", req.ID, err)
	}
	return nil
}

func (r *PgRepository) ListByRequester(ctx context.Context, requesterID int64, status Status) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM purchase_requests pr
		WHERE pr.requester_id = $1 AND pr.status = $2
		ORDER BY pr.created_at DESC, pr.id DESC`
	return r.queryRequests(ctx, query, requesterID, string(status))
}

// ListByGroup возвращает запросы всех участников группы.
func (r *PgRepository) ListByGroup(ctx context.Context, groupID int64, status Status) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM purchase_requests pr
		JOIN members m ON m.user_id = pr.requester_id
		WHERE m.group_id = $1 AND pr.status = $2
		ORDER BY pr.created_at, pr.id`
	return r.queryRequests(ctx, query, groupID, string(status))
}

func (r *PgRepository) queryRequests(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := postgres.Conn(ctx, r.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса списка покупок: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования запроса: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения строк: %w", err)
	}
	return out, nil
}
