// Package purchase (service.go): переходы запроса на покупку.
//
// Каждый переход выполняется в одной транзакции БД: блокировка запроса → проверки роли и статуса →
// изменение → уведомление второй стороне → (для approve) выдача токенов.
// Ошибка на любом шаге откатывает весь переход.
package purchase

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/db"
	"serotonyl.ru/token-ledger/internal/features/members"
	"serotonyl.ru/token-ledger/internal/features/notifications"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

// Members: чтение пользователей и семейных связей.
type Members interface {
	GetByUserID(ctx context.Context, userID int64) (*members.Member, error)
	FindGuardian(ctx context.Context, groupID int64) (*members.Member, error)
}

// Notifier ставит уведомление в очередь внутри транзакции перехода.
type Notifier interface {
	Notify(ctx context.Context, n *notifications.Notification) error
}

// Granter выдаёт токены по одобренному запросу: ссылкой на оплату или сразу.
// Вызывается внутри транзакции одобрения.
type Granter interface {
	Grant(ctx context.Context, req *Request, requester *members.Member, pkg *tokens.Package) (Grant, error)
}

// Service: сервис запросов на покупку.
type Service struct {
	repo     Repository
	tx       db.Transactor
	members  Members
	catalog  tokens.Catalog
	notifier Notifier
	granter  Granter
	now      func() time.Time
}

// NewService создаёт сервис запросов на покупку.
func NewService(repo Repository, tx db.Transactor, members Members, catalog tokens.Catalog, notifier Notifier, granter Granter) *Service {
	return &Service{
		repo:     repo,
		tx:       tx,
		members:  members,
		catalog:  catalog,
		notifier: notifier,
		granter:  granter,
		now:      time.Now,
	}
}

// Create создаёт запрос ребёнка на покупку пакета и уведомляет родителя.
func (s *Service) Create(ctx context.Context, requesterID, packageID int64) (*Request, error) {
	var req *Request
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		requester, err := s.members.GetByUserID(ctx, requesterID)
		if err != nil {
			return err
		}
		if requester.Role != members.RoleDependent || requester.GroupID == nil {
			return common.ErrNotDependent
		}
		if !requester.RequiresPurchaseApproval {
			return common.ErrApprovalNotRequired
		}

		pkg, err := s.catalog.FindPackage(ctx, packageID)
		if err != nil {
			return err
		}
		if !pkg.IsActive {
			return fmt.Errorf("пакет %d не продаётся: %w", packageID, common.ErrPackageNotFound)
		}
		guardian, err := s.members.FindGuardian(ctx, *requester.GroupID)
		if err != nil {
			return err
		}

		req = &Request{
			RequesterID: requesterID,
			PackageID:   packageID,
			Status:      StatusPending,
		}
		if err := s.repo.CreateRequest(ctx, req); err != nil {
			return err
		}

		return s.notifier.Notify(ctx, &notifications.Notification{
			UserID: guardian.UserID,
			Type:   notifications.TypePurchaseRequest,
			Title:  "Запрос на покупку токенов",
			Message: fmt.Sprintf("%s просит купить «%s» (%s) за %s.\nОдобрить: /approve %d\nОтклонить: /reject %d",
				requester.DisplayName(), pkg.Name, common.FormatBalance(pkg.TokenAmount),
				common.FormatMoney(pkg.Price, pkg.Currency), req.ID, req.ID),
			Data: map[string]any{
				"request_id":   req.ID,
				"requester_id": requesterID,
				"package_id":   packageID,
			},
		})
	})
	if err != nil {
		s.logFailure(err, "create", log.Fields{"requester_id": requesterID, "package_id": packageID})
		return nil, err
	}

	log.WithFields(log.Fields{
		"request_id":   req.ID,
		"requester_id": requesterID,
		"package_id":   packageID,
	}).Info("Создан запрос на покупку")
	return req, nil
}

// Approve одобряет запрос и выдаёт токены (ссылкой на оплату или сразу).
func (s *Service) Approve(ctx context.Context, requestID, approverID int64) (*Request, error) {
	var req *Request
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var (
			requester *members.Member
			err       error
		)
		req, requester, err = s.lockForApprover(ctx, requestID, approverID)
		if err != nil {
			return err
		}
		pkg, err := s.catalog.FindPackage(ctx, req.PackageID)
		if err != nil {
			return err
		}

		s.resolve(req, StatusApproved, approverID)
		grant, err := s.granter.Grant(ctx, req, requester, pkg)
		if err != nil {
			return err
		}
		if grant.CheckoutURL != "" {
			req.CheckoutURL = &grant.CheckoutURL
		}
		if err := s.repo.UpdateRequest(ctx, req); err != nil {
			return err
		}

		message := fmt.Sprintf("Покупка «%s» одобрена.", pkg.Name)
		if grant.Credited {
			message += " Токены уже на балансе: " + common.FormatBalance(pkg.TokenAmount)
		}
		data := map[string]any{
			"request_id": req.ID,
			"package_id": pkg.ID,
		}
		if grant.CheckoutURL != "" {
			data["checkout_url"] = grant.CheckoutURL
		}
		return s.notifier.Notify(ctx, &notifications.Notification{
			UserID:  req.RequesterID,
			Type:    notifications.TypePurchaseApproved,
			Title:   "Покупка одобрена",
			Message: message,
			Data:    data,
		})
	})
	if err != nil {
		s.logFailure(err, "approve", log.Fields{"request_id": requestID, "approver_id": approverID})
		return nil, err
	}

	log.WithFields(log.Fields{
		"request_id":  requestID,
		"approver_id": approverID,
	}).Info("Запрос на покупку одобрен")
	return req, nil
}

// Reject отклоняет запрос. reason может быть пустым.
func (s *Service) Reject(ctx context.Context, requestID, approverID int64, reason string) (*Request, error) {
	var req *Request
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		req, _, err = s.lockForApprover(ctx, requestID, approverID)
		if err != nil {
			return err
		}

		s.resolve(req, StatusRejected, approverID)
		if reason != "" {
			req.RejectionReason = &reason
		}
		if err := s.repo.UpdateRequest(ctx, req); err != nil {
			return err
		}

		message := "Родитель отклонил запрос на покупку."
		if reason != "" {
			message += "\nПричина: " + reason
		}
		return s.notifier.Notify(ctx, &notifications.Notification{
			UserID:  req.RequesterID,
			Type:    notifications.TypePurchaseRejected,
			Title:   "Покупка отклонена",
			Message: message,
			Data: map[string]any{
				"request_id": req.ID,
				"reason":     reason,
			},
		})
	})
	if err != nil {
		s.logFailure(err, "reject", log.Fields{"request_id": requestID, "approver_id": approverID})
		return nil, err
	}

	log.WithFields(log.Fields{
		"request_id":  requestID,
		"approver_id": approverID,
	}).Info("Запрос на покупку отклонён")
	return req, nil
}

// Cancel отменяет свой запрос, пока он ждёт решения. Родитель получает уведомление.
func (s *Service) Cancel(ctx context.Context, requestID, requesterID int64) (*Request, error) {
	var req *Request
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.repo.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.RequesterID != requesterID {
			return common.ErrForbiddenActor
		}
		if !req.IsPending() {
			return common.ErrInvalidRequestState
		}
		requester, err := s.members.GetByUserID(ctx, requesterID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		req.Status = StatusCanceled
		req.ResolvedAt = &now
		if err := s.repo.UpdateRequest(ctx, req); err != nil {
			return err
		}

		// Без группы нет родителя, уведомлять некого
		if requester.GroupID == nil {
			return nil
		}
		guardian, err := s.members.FindGuardian(ctx, *requester.GroupID)
		if err != nil {
			if members.IsNotFound(err) {
				return nil
			}
			return err
		}
		return s.notifier.Notify(ctx, &notifications.Notification{
			UserID:  guardian.UserID,
			Type:    notifications.TypePurchaseCanceled,
			Title:   "Запрос на покупку отменён",
			Message: fmt.Sprintf("%s отменил(а) запрос #%d.", requester.DisplayName(), req.ID),
			Data:    map[string]any{"request_id": req.ID},
		})
	})
	if err != nil {
		s.logFailure(err, "cancel", log.Fields{"request_id": requestID, "requester_id": requesterID})
		return nil, err
	}

	log.WithFields(log.Fields{
		"request_id":   requestID,
		"requester_id": requesterID,
	}).Info("Запрос на покупку отменён")
	return req, nil
}

// ListPending возвращает ожидающие запросы пользователя.
func (s *Service) ListPending(ctx context.Context, requesterID int64) ([]*Request, error) {
	return s.repo.ListByRequester(ctx, requesterID, StatusPending)
}

// ListPendingForGuardian возвращает ожидающие запросы детей группы родителя.
func (s *Service) ListPendingForGuardian(ctx context.Context, guardianID int64) ([]*Request, error) {
	guardian, err := s.members.GetByUserID(ctx, guardianID)
	if err != nil {
		return nil, err
	}
	if guardian.Role != members.RoleGuardian || guardian.GroupID == nil {
		return nil, common.ErrForbiddenActor
	}
	return s.repo.ListByGroup(ctx, *guardian.GroupID, StatusPending)
}

// lockForApprover блокирует запрос и проверяет, что approver является родителем из группы ребёнка
// и запрос ещё ждёт решения.
func (s *Service) lockForApprover(ctx context.Context, requestID, approverID int64) (*Request, *members.Member, error) {
	req, err := s.repo.GetRequestForUpdate(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	approver, err := s.members.GetByUserID(ctx, approverID)
	if err != nil {
		return nil, nil, err
	}
	requester, err := s.members.GetByUserID(ctx, req.RequesterID)
	if err != nil {
		return nil, nil, err
	}
	if approver.Role != members.RoleGuardian || !approver.SameGroup(requester) {
		return nil, nil, common.ErrForbiddenActor
	}
	if !req.IsPending() {
		return nil, nil, fmt.Errorf("запрос %d в статусе %s: %w", req.ID, req.Status, common.ErrInvalidRequestState)
	}
	return req, requester, nil
}

func (s *Service) resolve(req *Request, status Status, approverID int64) {
	now := s.now().UTC()
	req.Status = status
	req.ApproverID = &approverID
	req.ResolvedAt = &now
}

// logFailure пишет доменные ошибки как предупреждение, остальные как ошибку.
func (s *Service) logFailure(err error, op string, fields log.Fields) {
	entry := log.WithError(err).WithFields(fields).WithField("op", op)
	switch common.CodeOf(err) {
	case common.CodeUnknown, common.CodeIntegration:
		entry.Error("Ошибка обработки запроса на покупку")
	default:
		entry.Warn("Запрос на покупку отклонён проверкой")
	}
}
